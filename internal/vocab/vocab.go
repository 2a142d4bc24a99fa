// Package vocab loads the character vocabulary the acoustic model was trained
// with.
package vocab

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Vocab maps symbols to the integer ids used by the text embedding.
type Vocab struct {
	ids  map[string]int64
	path string
}

// LoadFile reads a vocabulary file: one symbol per line, id = line index.
// Empty lines are skipped but still consume an index. Only the line
// terminator is stripped, so a line holding a single space is the space
// symbol.
func LoadFile(path string) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary: %w", err)
	}
	defer f.Close()

	v, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary %s: %w", path, err)
	}
	v.path = path

	return v, nil
}

// Read parses a vocabulary from r.
func Read(r io.Reader) (*Vocab, error) {
	ids := make(map[string]int64)

	br := bufio.NewReader(r)
	for i := int64(0); ; i++ {
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}

		sym := strings.TrimRight(line, "\r\n")
		if sym != "" {
			ids[sym] = i
		}

		if err == io.EOF {
			break
		}
	}

	if len(ids) == 0 {
		return nil, fmt.Errorf("vocabulary is empty")
	}

	return &Vocab{ids: ids}, nil
}

// Path is the file the vocabulary was loaded from, or "" when read from a
// stream.
func (v *Vocab) Path() string { return v.path }

// Len is the number of distinct symbols.
func (v *Vocab) Len() int { return len(v.ids) }

// Size is the embedding vocabulary size: Len plus one slot reserved for
// unknown symbols.
func (v *Vocab) Size() int { return len(v.ids) + 1 }

// ID returns the id of sym and whether it is known.
func (v *Vocab) ID(sym string) (int64, bool) {
	id, ok := v.ids[sym]
	return id, ok
}

// Encode maps text to ids one character at a time. Unknown characters map
// to 0.
func (v *Vocab) Encode(text string) []int64 {
	out := make([]int64, 0, len(text))
	for _, r := range text {
		out = append(out, v.ids[string(r)])
	}
	return out
}
