package model

import (
	"fmt"
	"sort"
	"strings"
)

// Manifest pins the files of a Hugging Face repository.
type Manifest struct {
	Repo  string      `json:"repo"`
	Files []ModelFile `json:"files"`
}

// ModelFile is one pinned file. An empty SHA256 is resolved from repository
// metadata on first download and then persisted in the lock manifest.
type ModelFile struct {
	Filename string `json:"filename"`
	Revision string `json:"revision"`
	SHA256   string `json:"sha256"`
}

var vocoders = map[string]Manifest{
	"vocos": {
		Repo: "charactr/vocos-mel-24khz",
		Files: []ModelFile{
			{Filename: "config.yaml", Revision: "main"},
			{Filename: "pytorch_model.bin", Revision: "main"},
		},
	},
}

// VocoderManifest returns the pinned files for a vocoder name.
func VocoderManifest(name string) (Manifest, error) {
	m, ok := vocoders[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Manifest{}, fmt.Errorf("unknown vocoder %q (known: %s)", name, strings.Join(VocoderNames(), ", "))
	}
	m.Files = append([]ModelFile(nil), m.Files...)
	return m, nil
}

// VocoderNames lists the vocoders that can be resolved by name.
func VocoderNames() []string {
	names := make([]string, 0, len(vocoders))
	for n := range vocoders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
