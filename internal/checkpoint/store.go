// Package checkpoint reads trained model weights stored in the safetensors
// format: an 8-byte little-endian header length, a JSON header describing
// every tensor, then the raw tensor data.
//
// Opening a checkpoint only parses and validates the header; tensor data is
// read from the file on demand.
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
)

const (
	dtypeF32  = "F32"
	dtypeF16  = "F16"
	dtypeBF16 = "BF16"

	maxHeaderBytes = 100 << 20
)

// KeyMapper renames tensors while the header is indexed. Returning keep=false
// drops the tensor.
type KeyMapper func(name string) (mapped string, keep bool)

// StripPrefixes returns a KeyMapper removing the first matching prefix, so
// that "ema_model.transformer.x" and "transformer.x" index the same way.
func StripPrefixes(prefixes ...string) KeyMapper {
	return func(name string) (string, bool) {
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				return strings.TrimPrefix(name, p), true
			}
		}
		return name, true
	}
}

// Options configures Open.
type Options struct {
	KeyMapper KeyMapper
}

// Tensor is a decoded tensor.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// Store indexes the tensors of one checkpoint file.
type Store struct {
	path    string
	mu      sync.Mutex
	file    *os.File
	entries map[string]entry
	names   []string
}

type entry struct {
	original string
	dtype    string
	shape    []int64
	start    int64
	end      int64
}

type headerEntry struct {
	DType   string   `json:"dtype"`
	Shape   []int64  `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// Open parses the header of the checkpoint at path and checks every tensor's
// byte range against the file size.
func Open(path string, opts Options) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}

	s, err := index(f, path, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return s, nil
}

func index(f *os.File, path string, opts Options) (*Store, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: stat %s: %w", path, err)
	}
	size := fi.Size()

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("checkpoint: %s too short for header: %w", path, err)
	}

	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > maxHeaderBytes || int64(headerLen) > size-8 {
		return nil, fmt.Errorf("checkpoint: header length %d exceeds file size %d", headerLen, size)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("checkpoint: read header: %w", err)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("checkpoint: parse header: %w", err)
	}

	mapper := opts.KeyMapper
	if mapper == nil {
		mapper = func(name string) (string, bool) { return name, true }
	}

	keys := make([]string, 0, len(header))
	for k := range header {
		if k != "__metadata__" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	dataStart := 8 + int64(headerLen)
	entries := make(map[string]entry, len(keys))
	names := make([]string, 0, len(keys))

	for _, original := range keys {
		var he headerEntry
		if err := json.Unmarshal(header[original], &he); err != nil {
			return nil, fmt.Errorf("checkpoint: decode header entry %q: %w", original, err)
		}

		e, err := newEntry(original, he, dataStart, size)
		if err != nil {
			return nil, err
		}

		mapped, keep := mapper(original)
		mapped = strings.TrimSpace(mapped)
		if !keep || mapped == "" {
			continue
		}
		if _, dup := entries[mapped]; dup {
			return nil, fmt.Errorf("checkpoint: tensors collide on name %q", mapped)
		}

		entries[mapped] = e
		names = append(names, mapped)
	}

	if len(entries) == 0 {
		return nil, errors.New("checkpoint: no tensors found")
	}
	sort.Strings(names)

	return &Store{path: path, file: f, entries: entries, names: names}, nil
}

func newEntry(name string, he headerEntry, dataStart, fileSize int64) (entry, error) {
	dtype := strings.ToUpper(he.DType)

	elemBytes, err := dtypeBytes(dtype)
	if err != nil {
		return entry{}, fmt.Errorf("checkpoint: tensor %q: %w", name, err)
	}

	if he.Offsets[0] < 0 || he.Offsets[1] < he.Offsets[0] {
		return entry{}, fmt.Errorf("checkpoint: tensor %q has invalid data offsets %v", name, he.Offsets)
	}

	count, err := elementCount(he.Shape)
	if err != nil {
		return entry{}, fmt.Errorf("checkpoint: tensor %q: %w", name, err)
	}

	start := dataStart + he.Offsets[0]
	end := dataStart + he.Offsets[1]
	if end > fileSize {
		return entry{}, fmt.Errorf("checkpoint: tensor %q data [%d:%d] exceeds file size %d", name, start, end, fileSize)
	}

	if need := count * int64(elemBytes); end-start < need {
		return entry{}, fmt.Errorf("checkpoint: tensor %q needs %d bytes but data has %d", name, need, end-start)
	}

	return entry{
		original: name,
		dtype:    dtype,
		shape:    append([]int64(nil), he.Shape...),
		start:    start,
		end:      end,
	}, nil
}

// Path returns the checkpoint file path.
func (s *Store) Path() string { return s.path }

// Names returns the indexed tensor names, sorted.
func (s *Store) Names() []string {
	return append([]string(nil), s.names...)
}

// Has reports whether a tensor is present.
func (s *Store) Has(name string) bool {
	_, ok := s.entries[name]
	return ok
}

// Shape returns the shape of a tensor without reading its data.
func (s *Store) Shape(name string) ([]int64, bool) {
	e, ok := s.entries[name]
	if !ok {
		return nil, false
	}
	return append([]int64(nil), e.shape...), true
}

// Tensor reads and decodes a tensor to float32.
func (s *Store) Tensor(name string) (*Tensor, error) {
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("checkpoint: tensor %q not found (available: %s)", name, summarizeNames(s.names))
	}

	s.mu.Lock()
	f := s.file
	s.mu.Unlock()
	if f == nil {
		return nil, errors.New("checkpoint: store is closed")
	}

	raw := make([]byte, e.end-e.start)
	if _, err := f.ReadAt(raw, e.start); err != nil {
		return nil, fmt.Errorf("checkpoint: read tensor %q: %w", name, err)
	}

	data, err := decode(raw, e.dtype, e.shape)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: tensor %q decode: %w", name, err)
	}

	return &Tensor{Name: name, Shape: append([]int64(nil), e.shape...), Data: data}, nil
}

// Close releases the underlying file. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func elementCount(shape []int64) (int64, error) {
	total := int64(1)
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}
		if d == 0 {
			return 0, nil
		}
		if total > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}
		total *= d
	}
	return total, nil
}

func dtypeBytes(dtype string) (int, error) {
	switch dtype {
	case dtypeF32:
		return 4, nil
	case dtypeF16, dtypeBF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

func decode(raw []byte, dtype string, shape []int64) ([]float32, error) {
	count, err := elementCount(shape)
	if err != nil {
		return nil, err
	}

	out := make([]float32, int(count))

	switch dtype {
	case dtypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case dtypeF16:
		for i := range out {
			out[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case dtypeBF16:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}

	return out, nil
}

func float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h & 0x03ff)

	var bits uint32

	switch exp {
	case 0:
		if frac == 0 {
			bits = sign << 31
			break
		}
		// subnormal
		e := int32(-14)
		for frac&0x0400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x03ff
		bits = (sign << 31) | (uint32(e+127) << 23) | (frac << 13)
	case 0x1f:
		bits = (sign << 31) | 0x7f800000 | (frac << 13)
	default:
		bits = (sign << 31) | ((exp + 127 - 15) << 23) | (frac << 13)
	}

	return math.Float32frombits(bits)
}

func summarizeNames(names []string) string {
	if len(names) == 0 {
		return "none"
	}

	const maxNames = 8
	if len(names) <= maxNames {
		return strings.Join(names, ", ")
	}
	return strings.Join(names[:maxNames], ", ") + ", ..."
}
