package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

// Encode serializes float32 tensors into the safetensors layout.
func Encode(tensors []Tensor) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("checkpoint: no tensors to encode")
	}

	sorted := append([]Tensor(nil), tensors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]headerEntry, len(sorted))
	var raw []byte

	for _, t := range sorted {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, errors.New("checkpoint: tensor name must not be empty")
		}
		if _, dup := header[name]; dup {
			return nil, fmt.Errorf("checkpoint: duplicate tensor name %q", name)
		}

		count, err := elementCount(t.Shape)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: tensor %q: %w", name, err)
		}
		if int64(len(t.Data)) != count {
			return nil, fmt.Errorf("checkpoint: tensor %q shape %v expects %d elements, got %d", name, t.Shape, count, len(t.Data))
		}

		start := len(raw)
		raw = append(raw, make([]byte, len(t.Data)*4)...)
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(raw[start+i*4:], math.Float32bits(v))
		}

		header[name] = headerEntry{
			DType:   dtypeF32,
			Shape:   append([]int64(nil), t.Shape...),
			Offsets: [2]int64{int64(start), int64(len(raw))},
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode header: %w", err)
	}

	out := make([]byte, 8, 8+len(headerJSON)+len(raw))
	binary.LittleEndian.PutUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	out = append(out, raw...)

	return out, nil
}

// WriteFile writes float32 tensors to path.
func WriteFile(path string, tensors []Tensor) error {
	data, err := Encode(tensors)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	return nil
}
