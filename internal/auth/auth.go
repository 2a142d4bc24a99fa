// Package auth validates the signed bearer tokens that gate synthesis and
// voice profile listing, and issues development tokens.
//
// Validation is a pure check: nothing is cached between calls, so it can run
// before any expensive resource is touched.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Rejection reasons reported in UnauthorizedError.
const (
	ReasonMissingExpiration = "missing expiration"
	ReasonExpired           = "expired"
	ReasonInvalid           = "invalid signature/format"
	ReasonMissingHeader     = "missing authorization header"
	ReasonBadScheme         = "invalid authorization format"
)

// ErrUnauthorized matches every UnauthorizedError via errors.Is.
var ErrUnauthorized = errors.New("unauthorized")

// ErrUnsupportedAlgorithm is returned for signing algorithms other than HMAC.
var ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")

// UnauthorizedError describes why a credential was rejected.
type UnauthorizedError struct {
	Reason string
	Err    error
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Reason
}

func (e *UnauthorizedError) Unwrap() error { return e.Err }

func (e *UnauthorizedError) Is(target error) bool { return target == ErrUnauthorized }

func unauthorized(reason string, err error) error {
	return &UnauthorizedError{Reason: reason, Err: err}
}

// Claims is the token payload. Scope is an application claim; the rest are
// the registered JWT claims (sub, iat, exp).
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Token is a validated credential. Raw is the string that was presented.
type Token struct {
	Raw    string
	Claims Claims
}

// Validator checks token signature and expiry.
type Validator struct {
	secret []byte
	method jwt.SigningMethod
	now    func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// NewValidator returns a validator for HMAC-signed tokens.
func NewValidator(secret, algorithm string, opts ...ValidatorOption) (*Validator, error) {
	if secret == "" {
		return nil, errors.New("signing secret is required")
	}

	method, err := hmacMethod(algorithm)
	if err != nil {
		return nil, err
	}

	v := &Validator{
		secret: []byte(secret),
		method: method,
		now:    time.Now,
	}
	for _, fn := range opts {
		fn(v)
	}

	return v, nil
}

// Validate verifies raw and returns the decoded token. Every failure is an
// UnauthorizedError.
func (v *Validator) Validate(raw string) (*Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, unauthorized(ReasonInvalid, errors.New("empty token"))
	}

	var claims Claims

	parsed, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)

	switch {
	case err == nil && parsed.Valid:
		return &Token{Raw: raw, Claims: claims}, nil
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return nil, unauthorized(ReasonMissingExpiration, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, unauthorized(ReasonExpired, err)
	default:
		if err == nil {
			err = errors.New("token not valid")
		}
		return nil, unauthorized(ReasonInvalid, err)
	}
}

// BearerToken extracts the credential from an Authorization header value.
// The scheme is matched case-insensitively.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", unauthorized(ReasonMissingHeader, nil)
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", unauthorized(ReasonBadScheme, nil)
	}

	return strings.TrimSpace(token), nil
}

// IssueOptions describes a token to mint.
type IssueOptions struct {
	Subject string
	Scope   string
	TTL     time.Duration
	Now     time.Time
}

// Issue signs a new token with sub, iat, exp and scope claims.
func Issue(secret, algorithm string, opts IssueOptions) (string, error) {
	if secret == "" {
		return "", errors.New("signing secret is required")
	}
	if opts.TTL <= 0 {
		return "", fmt.Errorf("token ttl must be positive, got %s", opts.TTL)
	}

	method, err := hmacMethod(algorithm)
	if err != nil {
		return "", err
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	claims := Claims{
		Scope: opts.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   opts.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(opts.TTL)),
		},
	}

	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

func hmacMethod(algorithm string) (jwt.SigningMethod, error) {
	alg := strings.ToUpper(strings.TrimSpace(algorithm))
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}

	method := jwt.GetSigningMethod(alg)
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("%w %q (want HS256|HS384|HS512)", ErrUnsupportedAlgorithm, algorithm)
	}

	return method, nil
}
