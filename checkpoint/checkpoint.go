// Package checkpoint - versioned tensor-blob serialization.
//
// A snapshot file is a fixed magic string, a format version, a JSON manifest
// describing every tensor, then the raw little-endian float32 payloads in
// manifest order. The same container stores model parameters and the
// normalization mean blob.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const (
	magic   = "GORINSP1"
	version = 1
)

// Tensor is one named float32 block with its logical shape.
type Tensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"-"`
}

func (t Tensor) size() int {
	n := 1
	for _, s := range t.Shape {
		n *= s
	}
	return n
}

// Manifest is the JSON header stored inside a snapshot file.
type Manifest struct {
	Version   int       `json:"version"`
	RunID     string    `json:"run_id"`
	Iteration int       `json:"iteration"`
	CreatedAt time.Time `json:"created_at"`
	Tensors   []Tensor  `json:"tensors"`
}

// Snapshot is a loaded checkpoint.
type Snapshot struct {
	Manifest Manifest
	tensors  map[string]Tensor
}

// Get returns a tensor by name.
func (s *Snapshot) Get(name string) (Tensor, bool) {
	t, ok := s.tensors[name]
	return t, ok
}

// Names lists the stored tensor names in file order.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.Manifest.Tensors))
	for _, t := range s.Manifest.Tensors {
		names = append(names, t.Name)
	}
	return names
}

// Save writes tensors under path, creating parent directories as needed.
//
// Arguments:
// - path: destination file.
// - runID: the training run identifier recorded in the manifest.
// - iteration: solver iteration the snapshot was taken at.
// - tensors: named blocks; each Data length must equal the shape product.
func Save(path, runID string, iteration int, tensors []Tensor) error {
	manifest := Manifest{
		Version:   version,
		RunID:     runID,
		Iteration: iteration,
		CreatedAt: time.Now().UTC(),
		Tensors:   make([]Tensor, len(tensors)),
	}
	for i, t := range tensors {
		if len(t.Data) != t.size() {
			return errors.Errorf("tensor %q: data length %d does not match shape %v", t.Name, len(t.Data), t.Shape)
		}
		manifest.Tensors[i] = Tensor{Name: t.Name, Shape: t.Shape}
	}
	header, err := json.Marshal(manifest)
	if err != nil {
		return errors.Wrap(err, "encoding manifest")
	}

	var buf bytes.Buffer
	buf.WriteString(magic)
	var lenBytes [4]byte
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(header)))
	buf.Write(lenBytes[:])
	buf.Write(header)
	var scratch [4]byte
	for _, t := range tensors {
		for _, v := range t.Data {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(v))
			buf.Write(scratch[:])
		}
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "creating snapshot directory %s", dir)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "writing snapshot %s", path)
	}
	return nil
}

// Load reads a snapshot written by Save.
func Load(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading snapshot %s", path)
	}
	if len(raw) < len(magic)+4 || string(raw[:len(magic)]) != magic {
		return nil, errors.Errorf("%s is not a snapshot file", path)
	}
	raw = raw[len(magic):]
	headerLen := int(binary.LittleEndian.Uint32(raw[:4]))
	raw = raw[4:]
	if headerLen > len(raw) {
		return nil, errors.Errorf("snapshot %s truncated inside manifest", path)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw[:headerLen], &manifest); err != nil {
		return nil, errors.Wrapf(err, "decoding manifest of %s", path)
	}
	if manifest.Version != version {
		return nil, errors.Errorf("snapshot %s has version %d, this build reads %d", path, manifest.Version, version)
	}
	payload := raw[headerLen:]

	snap := &Snapshot{Manifest: manifest, tensors: make(map[string]Tensor, len(manifest.Tensors))}
	offset := 0
	for i := range manifest.Tensors {
		t := manifest.Tensors[i]
		n := t.size()
		if offset+4*n > len(payload) {
			return nil, errors.Errorf("snapshot %s truncated inside tensor %q", path, t.Name)
		}
		data := make([]float32, n)
		for k := 0; k < n; k++ {
			data[k] = math.Float32frombits(binary.LittleEndian.Uint32(payload[offset+4*k:]))
		}
		offset += 4 * n
		t.Data = data
		manifest.Tensors[i] = t
		snap.tensors[t.Name] = t
	}
	if offset != len(payload) {
		return nil, errors.Errorf("snapshot %s has %d trailing bytes", path, len(payload)-offset)
	}
	return snap, nil
}
