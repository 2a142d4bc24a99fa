package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

var fixedNow = time.Unix(1_700_000_000, 0)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()

	v, err := NewValidator(testSecret, "HS256", WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	return v
}

func signMap(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()

	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	return s
}

func wantReason(t *testing.T, err error, reason string) {
	t.Helper()

	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("error %v does not match ErrUnauthorized", err)
	}

	var ue *UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("error %T is not *UnauthorizedError", err)
	}

	if ue.Reason != reason {
		t.Errorf("reason = %q; want %q", ue.Reason, reason)
	}
}

func TestValidate_AcceptsIssuedToken(t *testing.T) {
	v := newTestValidator(t)

	raw, err := Issue(testSecret, "HS256", IssueOptions{
		Subject: "test_user",
		Scope:   "tts",
		TTL:     time.Hour,
		Now:     fixedNow,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tok, err := v.Validate(raw)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if tok.Raw != raw {
		t.Error("validated token should be returned unchanged")
	}

	if tok.Claims.Subject != "test_user" || tok.Claims.Scope != "tts" {
		t.Errorf("claims = %+v", tok.Claims)
	}

	if !tok.Claims.ExpiresAt.Equal(fixedNow.Add(time.Hour)) {
		t.Errorf("exp = %v; want %v", tok.Claims.ExpiresAt, fixedNow.Add(time.Hour))
	}
}

func TestValidate_Rejections(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name   string
		token  string
		reason string
	}{
		{
			name:   "missing exp",
			token:  signMap(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "u"}),
			reason: ReasonMissingExpiration,
		},
		{
			name: "expired",
			token: signMap(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
				"sub": "u",
				"exp": fixedNow.Add(-time.Minute).Unix(),
			}),
			reason: ReasonExpired,
		},
		{
			name: "wrong secret",
			token: signMap(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{
				"exp": fixedNow.Add(time.Hour).Unix(),
			}),
			reason: ReasonInvalid,
		},
		{
			name: "algorithm not allowed",
			token: signMap(t, jwt.SigningMethodHS512, []byte(testSecret), jwt.MapClaims{
				"exp": fixedNow.Add(time.Hour).Unix(),
			}),
			reason: ReasonInvalid,
		},
		{
			name:   "garbage",
			token:  "not.a.jwt",
			reason: ReasonInvalid,
		},
		{
			name:   "empty",
			token:  "",
			reason: ReasonInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := v.Validate(tt.token)
			if err == nil {
				t.Fatalf("expected rejection, got token %+v", tok)
			}
			wantReason(t, err, tt.reason)
		})
	}
}

func TestValidate_ExpiryFollowsClock(t *testing.T) {
	raw, err := Issue(testSecret, "HS256", IssueOptions{TTL: time.Minute, Now: fixedNow})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	later, err := NewValidator(testSecret, "HS256", WithClock(func() time.Time {
		return fixedNow.Add(2 * time.Minute)
	}))
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	_, err = later.Validate(raw)
	wantReason(t, err, ReasonExpired)
}

func TestNewValidator_RejectsNonHMAC(t *testing.T) {
	_, err := NewValidator(testSecret, "RS256")
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("err = %v; want ErrUnsupportedAlgorithm", err)
	}

	_, err = NewValidator("", "HS256")
	if err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		reason string
	}{
		{header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{header: "bearer  abc", want: "abc"},
		{header: "", reason: ReasonMissingHeader},
		{header: "Basic dXNlcjpwYXNz", reason: ReasonBadScheme},
		{header: "Bearer", reason: ReasonBadScheme},
	}

	for _, tt := range tests {
		got, err := BearerToken(tt.header)
		if tt.reason != "" {
			if err == nil {
				t.Errorf("BearerToken(%q) = %q; want error", tt.header, got)
				continue
			}
			wantReason(t, err, tt.reason)
			continue
		}

		if err != nil {
			t.Errorf("BearerToken(%q): %v", tt.header, err)
			continue
		}

		if got != tt.want {
			t.Errorf("BearerToken(%q) = %q; want %q", tt.header, got, tt.want)
		}
	}
}

func TestIssue_RequiresPositiveTTL(t *testing.T) {
	if _, err := Issue(testSecret, "HS256", IssueOptions{}); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}
