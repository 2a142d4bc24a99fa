package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DefaultHubURL is the Hugging Face endpoint files are resolved against.
const DefaultHubURL = "https://huggingface.co"

const lockFileName = "download-manifest.lock.json"

// ErrOffline is returned when a file is missing locally and downloads are
// disabled.
var ErrOffline = errors.New("file not cached and downloads are disabled")

// DownloadOptions configures Download.
type DownloadOptions struct {
	Manifest Manifest
	OutDir   string
	HFToken  string
	BaseURL  string
	Client   *http.Client
	Offline  bool
	Stdout   io.Writer
}

// AccessDeniedError is returned on 401/403 from the hub.
type AccessDeniedError struct {
	Repo string
	Msg  string
}

func (e *AccessDeniedError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("access denied for %s", e.Repo)
}

type lockManifest struct {
	Repo      string                `json:"repo"`
	Generated string                `json:"generated"`
	Files     map[string]lockRecord `json:"files"`
}

type lockRecord struct {
	Revision string `json:"revision"`
	SHA256   string `json:"sha256"`
}

var shaHexPattern = regexp.MustCompile(`(?i)^[a-f0-9]{64}$`)

// Download fetches every manifest file into OutDir, verifying SHA-256
// checksums. Files already present with a matching checksum are skipped, so
// a populated cache never touches the network.
func Download(ctx context.Context, opts DownloadOptions) error {
	m := opts.Manifest
	if m.Repo == "" {
		return errors.New("repo is required")
	}
	if opts.OutDir == "" {
		return errors.New("out dir is required")
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultHubURL
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}

	lockPath := filepath.Join(opts.OutDir, lockFileName)
	lock := readLockManifest(lockPath)
	lock.Repo = m.Repo

	dirty := false
	for _, f := range m.Files {
		localPath := filepath.Join(opts.OutDir, filepath.FromSlash(f.Filename))

		expected := strings.ToLower(f.SHA256)
		if expected == "" {
			if lr, ok := lock.Files[f.Filename]; ok && lr.Revision == f.Revision && isSHA256Hex(lr.SHA256) {
				expected = strings.ToLower(lr.SHA256)
			}
		}

		if expected != "" {
			ok, err := existingMatches(localPath, expected)
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintf(opts.Stdout, "skip %s (checksum match)\n", f.Filename)
				continue
			}
		}

		if opts.Offline {
			return fmt.Errorf("%s: %w", f.Filename, ErrOffline)
		}

		if expected == "" {
			var err error
			expected, err = resolveChecksum(ctx, opts, f)
			if err != nil {
				return err
			}
		}

		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return fmt.Errorf("create local subdir: %w", err)
		}

		fmt.Fprintf(opts.Stdout, "download %s@%s -> %s\n", f.Filename, f.Revision, localPath)
		actual, err := downloadFile(ctx, opts, f, localPath)
		if err != nil {
			return err
		}
		if actual != expected {
			_ = os.Remove(localPath)
			return fmt.Errorf("checksum mismatch for %s: expected %s got %s", f.Filename, expected, actual)
		}
		fmt.Fprintf(opts.Stdout, "verified %s (sha256=%s)\n", f.Filename, actual)

		lock.Files[f.Filename] = lockRecord{Revision: f.Revision, SHA256: expected}
		dirty = true
	}

	if !dirty {
		return nil
	}

	lock.Generated = time.Now().UTC().Format(time.RFC3339)
	return writeLockManifest(lockPath, lock)
}

func existingMatches(path, expected string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat existing file: %w", err)
	}
	if fi.IsDir() {
		return false, fmt.Errorf("expected file at %s, found directory", path)
	}

	actual, err := fileSHA256(path)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}

func downloadFile(ctx context.Context, opts DownloadOptions, f ModelFile, outPath string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolveURL(opts.BaseURL, opts.Manifest.Repo, f), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	setAuth(req, opts.HFToken)

	resp, err := opts.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, opts.Manifest.Repo, f.Filename, 299); err != nil {
		return "", err
	}

	tmp := outPath + ".tmp"
	fh, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(fh, h), resp.Body); err != nil {
		_ = fh.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("download %s: %w", f.Filename, err)
	}

	if err := fh.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("move temp file into place: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func resolveChecksum(ctx context.Context, opts DownloadOptions, f ModelFile) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, resolveURL(opts.BaseURL, opts.Manifest.Repo, f), nil)
	if err != nil {
		return "", fmt.Errorf("build metadata request: %w", err)
	}
	setAuth(req, opts.HFToken)

	resp, err := opts.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("metadata request failed for %s: %w", f.Filename, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, opts.Manifest.Repo, f.Filename, 399); err != nil {
		return "", err
	}

	for _, key := range []string{"X-Linked-Etag", "X-Repo-Commit", "Etag"} {
		if v := normalizeETag(resp.Header.Get(key)); isSHA256Hex(v) {
			return strings.ToLower(v), nil
		}
	}

	return "", fmt.Errorf("unable to resolve sha256 metadata for %s; provide pinned checksum", f.Filename)
}

func checkStatus(resp *http.Response, repo, filename string, maxOK int) error {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AccessDeniedError{
			Repo: repo,
			Msg:  fmt.Sprintf("access denied for %s; provide HF_TOKEN or --hf-token", repo),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > maxOK {
		return fmt.Errorf("request for %s failed: %s", filename, resp.Status)
	}
	return nil
}

func resolveURL(base, repo string, file ModelFile) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", strings.TrimRight(base, "/"), repo, file.Revision, file.Filename)
}

func setAuth(req *http.Request, token string) {
	if token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

func normalizeETag(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "W/")
	return strings.Trim(v, "\"")
}

func isSHA256Hex(v string) bool {
	return shaHexPattern.MatchString(v)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read file for checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readLockManifest(path string) lockManifest {
	out := lockManifest{Files: map[string]lockRecord{}}

	b, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	if err := json.Unmarshal(b, &out); err != nil || out.Files == nil {
		return lockManifest{Files: map[string]lockRecord{}}
	}
	return out
}

func writeLockManifest(path string, lock lockManifest) error {
	b, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("encode lock manifest: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write lock manifest: %w", err)
	}
	return nil
}
