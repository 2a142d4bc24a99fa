// Package voice discovers voice profiles on disk and resolves their reference
// utterance.
//
// A profile is a directory under the profiles root:
//
//	<root>/<name>/samples.txt   first line: <audio file>|<transcript>
//	<root>/<name>/<audio file>  reference waveform
//	<root>/<name>/generated/    synthesized outputs
package voice

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// ManifestName is the per-profile manifest file.
	ManifestName = "samples.txt"
	// GeneratedDirName holds synthesized outputs of a profile.
	GeneratedDirName = "generated"
)

var (
	ErrProfileNotFound       = errors.New("voice profile not found")
	ErrManifestMalformed     = errors.New("voice profile manifest malformed")
	ErrReferenceAudioMissing = errors.New("reference audio missing")
)

// Profile is a resolved voice profile.
type Profile struct {
	Name               string
	Dir                string
	ReferenceAudioPath string
	ReferenceText      string
	GeneratedDir       string
}

// Repository reads voice profiles below a root directory.
type Repository struct {
	root string
	log  *slog.Logger
}

// NewRepository returns a repository rooted at root. The root does not have
// to exist.
func NewRepository(root string, log *slog.Logger) *Repository {
	if log == nil {
		log = slog.Default()
	}
	return &Repository{root: root, log: log}
}

// Root returns the profiles root directory.
func (r *Repository) Root() string { return r.root }

// ListProfiles returns the names of all subdirectories of the root, sorted.
// A missing root yields an empty list.
func (r *Repository) ListProfiles() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list voice profiles in %s: %w", r.root, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
			continue
		}
		// Symlinked profile directories are reported as well.
		if e.Type()&fs.ModeSymlink != 0 {
			if fi, statErr := os.Stat(filepath.Join(r.root, e.Name())); statErr == nil && fi.IsDir() {
				names = append(names, e.Name())
			}
		}
	}

	sort.Strings(names)
	return names, nil
}

// Dir returns the directory of the named profile. It fails with
// ErrProfileNotFound if the name is not a single path element or the
// directory does not exist.
func (r *Repository) Dir(name string) (string, error) {
	if !validName(name) {
		return "", fmt.Errorf("%w: invalid name %q", ErrProfileNotFound, name)
	}

	dir := filepath.Join(r.root, name)

	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrProfileNotFound, dir)
	}

	return dir, nil
}

// Resolve reads the profile manifest and checks the reference audio exists.
func (r *Repository) Resolve(name string) (Profile, error) {
	dir, err := r.Dir(name)
	if err != nil {
		return Profile{}, err
	}

	manifestPath := filepath.Join(dir, ManifestName)

	audioFile, text, err := readManifest(manifestPath)
	if err != nil {
		return Profile{}, err
	}

	if !filepath.IsAbs(audioFile) {
		audioFile = filepath.Join(dir, audioFile)
	}
	audioFile = filepath.Clean(audioFile)

	if _, err := os.Stat(audioFile); err != nil {
		return Profile{}, fmt.Errorf("%w: %s", ErrReferenceAudioMissing, audioFile)
	}

	r.log.Debug("resolved voice profile",
		slog.String("profile", name),
		slog.String("reference_audio", audioFile),
	)

	return Profile{
		Name:               name,
		Dir:                dir,
		ReferenceAudioPath: audioFile,
		ReferenceText:      text,
		GeneratedDir:       filepath.Join(dir, GeneratedDirName),
	}, nil
}

func readManifest(path string) (audioFile, text string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s: %v", ErrManifestMalformed, path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	if !sc.Scan() {
		if scanErr := sc.Err(); scanErr != nil {
			return "", "", fmt.Errorf("%w: %s: %v", ErrManifestMalformed, path, scanErr)
		}
		return "", "", fmt.Errorf("%w: %s is empty", ErrManifestMalformed, path)
	}

	fields := strings.Split(strings.TrimSpace(sc.Text()), "|")
	if len(fields) != 2 {
		return "", "", fmt.Errorf("%w: %s: want 2 '|'-separated fields, got %d", ErrManifestMalformed, path, len(fields))
	}

	return fields[0], fields[1], nil
}

// Scaffold creates a profile directory with a manifest pointing at audioFile
// and an empty generated directory. audioFile is stored as given; relative
// names are resolved against the profile directory when read back.
func (r *Repository) Scaffold(name, audioFile, text string) (string, error) {
	if !validName(name) {
		return "", fmt.Errorf("invalid profile name %q", name)
	}
	if strings.Contains(audioFile, "|") || strings.Contains(text, "|") || strings.ContainsAny(text, "\r\n") {
		return "", errors.New("audio file and text must not contain '|' or line breaks")
	}

	dir := filepath.Join(r.root, name)
	if err := os.MkdirAll(filepath.Join(dir, GeneratedDirName), 0o755); err != nil {
		return "", fmt.Errorf("create profile dir: %w", err)
	}

	line := audioFile + "|" + text
	if err := os.WriteFile(filepath.Join(dir, ManifestName), []byte(line), 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}

	return dir, nil
}

// PurgeGenerated removes every file in dir, best effort. Failures are logged
// and counted; the loop never stops early.
func PurgeGenerated(dir string, log *slog.Logger) (removed, failed int) {
	if log == nil {
		log = slog.Default()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Error("list generated files", slog.String("dir", dir), slog.String("error", err.Error()))
		}
		return 0, 0
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if err := os.Remove(p); err != nil {
			failed++
			log.Warn("failed to remove generated file", slog.String("file", p), slog.String("error", err.Error()))
			continue
		}
		removed++
	}

	return removed, failed
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}
