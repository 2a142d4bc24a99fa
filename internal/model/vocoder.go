package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
)

// Vocoder is a named mel-to-waveform decoder resolved into a local
// directory.
type Vocoder struct {
	Name     string
	Repo     string
	Revision string
	Dir      string
	Files    []string
}

// VocoderOptions configures LoadVocoder.
type VocoderOptions struct {
	Name       string
	CacheDir   string
	HFToken    string
	BaseURL    string
	Offline    bool
	HTTPClient *http.Client
	Stdout     io.Writer
}

// LoadVocoder resolves the named vocoder into CacheDir/<repo basename>,
// downloading missing files unless Offline is set.
func LoadVocoder(ctx context.Context, opts VocoderOptions) (*Vocoder, error) {
	if opts.CacheDir == "" {
		return nil, errors.New("vocoder cache dir is required")
	}

	m, err := VocoderManifest(opts.Name)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(opts.CacheDir, path.Base(m.Repo))
	err = Download(ctx, DownloadOptions{
		Manifest: m,
		OutDir:   dir,
		HFToken:  opts.HFToken,
		BaseURL:  opts.BaseURL,
		Client:   opts.HTTPClient,
		Offline:  opts.Offline,
		Stdout:   opts.Stdout,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve vocoder %s: %w", opts.Name, err)
	}

	v := &Vocoder{Name: opts.Name, Repo: m.Repo, Dir: dir}
	for _, f := range m.Files {
		p := filepath.Join(dir, filepath.FromSlash(f.Filename))
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("vocoder file %s: %w", f.Filename, err)
		}
		v.Files = append(v.Files, p)
		v.Revision = f.Revision
	}

	return v, nil
}
