package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

func TestNormalizeETag(t *testing.T) {
	got := normalizeETag(`W/"58aa704a88faad35f22c34ea1cb55c4c5629de8b8e035c6e4936e2673dc07617"`)
	want := "58aa704a88faad35f22c34ea1cb55c4c5629de8b8e035c6e4936e2673dc07617"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if !isSHA256Hex(got) {
		t.Fatalf("expected valid sha256")
	}
}

func TestExistingMatches(t *testing.T) {
	tmp := t.TempDir()
	p := filepath.Join(tmp, "x.bin")
	if err := os.WriteFile(p, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	ok, err := existingMatches(p, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824")
	if err != nil {
		t.Fatalf("existingMatches error: %v", err)
	}
	if !ok {
		t.Fatal("expected checksum match")
	}
}

func sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// hubServer serves files by name and reports their checksum as an ETag.
func hubServer(t *testing.T, files map[string][]byte, gets *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		body, ok := files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("ETag", `"`+sum(body)+`"`)
		if r.Method == http.MethodGet {
			gets.Add(1)
			_, _ = w.Write(body)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadResolvesAndCaches(t *testing.T) {
	var gets atomic.Int32
	files := map[string][]byte{"config.yaml": []byte("a: 1\n"), "weights.bin": []byte("binary")}
	srv := hubServer(t, files, &gets)

	m := Manifest{Repo: "org/voc", Files: []ModelFile{
		{Filename: "config.yaml", Revision: "main"},
		{Filename: "weights.bin", Revision: "main"},
	}}
	out := t.TempDir()
	opts := DownloadOptions{Manifest: m, OutDir: out, BaseURL: srv.URL}

	if err := Download(context.Background(), opts); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if gets.Load() != 2 {
		t.Fatalf("expected 2 downloads, got %d", gets.Load())
	}
	got, err := os.ReadFile(filepath.Join(out, "weights.bin"))
	if err != nil || string(got) != "binary" {
		t.Fatalf("downloaded content = %q, %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(out, lockFileName)); err != nil {
		t.Fatalf("lock manifest missing: %v", err)
	}

	// Second run is served from the lock manifest, even offline.
	opts.Offline = true
	if err := Download(context.Background(), opts); err != nil {
		t.Fatalf("offline Download: %v", err)
	}
	if gets.Load() != 2 {
		t.Fatalf("cached run should not download, got %d requests", gets.Load())
	}
}

func TestDownloadChecksumMismatch(t *testing.T) {
	var gets atomic.Int32
	srv := hubServer(t, map[string][]byte{"a.bin": []byte("x")}, &gets)

	m := Manifest{Repo: "org/voc", Files: []ModelFile{
		{Filename: "a.bin", Revision: "main", SHA256: strings.Repeat("0", 64)},
	}}
	out := t.TempDir()
	err := Download(context.Background(), DownloadOptions{Manifest: m, OutDir: out, BaseURL: srv.URL})
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "a.bin")); !os.IsNotExist(err) {
		t.Fatal("mismatched file should be removed")
	}
}

func TestDownloadOfflineMissing(t *testing.T) {
	m := Manifest{Repo: "org/voc", Files: []ModelFile{{Filename: "a.bin", Revision: "main"}}}
	err := Download(context.Background(), DownloadOptions{Manifest: m, OutDir: t.TempDir(), Offline: true})
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
}

func TestDownloadAccessDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := Manifest{Repo: "org/gated", Files: []ModelFile{{Filename: "a.bin", Revision: "main"}}}
	err := Download(context.Background(), DownloadOptions{Manifest: m, OutDir: t.TempDir(), BaseURL: srv.URL})
	var denied *AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected AccessDeniedError, got %v", err)
	}
	if denied.Repo != "org/gated" {
		t.Fatalf("denied repo = %q", denied.Repo)
	}
}

func TestLoadVocoder(t *testing.T) {
	var gets atomic.Int32
	srv := hubServer(t, map[string][]byte{
		"config.yaml":       []byte("feature_extractor: mel\n"),
		"pytorch_model.bin": []byte("weights"),
	}, &gets)

	cache := t.TempDir()
	v, err := LoadVocoder(context.Background(), VocoderOptions{Name: "vocos", CacheDir: cache, BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("LoadVocoder: %v", err)
	}
	if v.Dir != filepath.Join(cache, "vocos-mel-24khz") {
		t.Fatalf("vocoder dir = %q", v.Dir)
	}
	if len(v.Files) != 2 {
		t.Fatalf("expected 2 files, got %v", v.Files)
	}

	if _, err := LoadVocoder(context.Background(), VocoderOptions{Name: "nope", CacheDir: cache}); err == nil {
		t.Fatal("expected error for unknown vocoder")
	}
}
