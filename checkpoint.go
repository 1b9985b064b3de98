package tabddpm

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// TensorInfo is one header entry.
type TensorInfo struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// SafeTensors is a parsed file.
type SafeTensors struct {
	Meta     map[string]TensorInfo
	Metadata map[string]string
	Data     []byte // raw tensor data (after header)
}

// OpenSafeTensors opens and parses a safetensors file. A missing file keeps
// fs.ErrNotExist in its error chain.
func OpenSafeTensors(path string) (*SafeTensors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return parseSafeTensors(data)
}

func parseSafeTensors(data []byte) (*SafeTensors, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("file too small: %d bytes", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("header length %d exceeds file size %d", headerLen, len(data))
	}

	headerJSON := data[8 : 8+headerLen]
	tensorData := data[8+headerLen:]

	// header may carry a __metadata__ key which is not a tensor
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	st := &SafeTensors{Meta: make(map[string]TensorInfo), Data: tensorData}
	for k, v := range raw {
		if k == "__metadata__" {
			if err := json.Unmarshal(v, &st.Metadata); err != nil {
				return nil, fmt.Errorf("parse metadata: %w", err)
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(v, &info); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", k, err)
		}
		if info.DataOffsets[0] < 0 || info.DataOffsets[1] < info.DataOffsets[0] || info.DataOffsets[1] > len(tensorData) {
			return nil, fmt.Errorf("%w: tensor %s: offsets %v outside data of %d bytes", ErrInvalidHeader, k, info.DataOffsets, len(tensorData))
		}
		if _, err := info.numel(); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", k, err)
		}
		st.Meta[k] = info
	}
	return st, nil
}

// numel is the element count of the shape. Dimensions must be non-negative
// and the count must fit in the tensor's byte span.
func (info TensorInfo) numel() (int, error) {
	span := info.DataOffsets[1] - info.DataOffsets[0]
	n := 1
	for _, d := range info.Shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in shape %v", ErrInvalidHeader, info.Shape)
		}
		if d > 0 && n > span/d {
			return 0, fmt.Errorf("%w: shape %v exceeds %d data bytes", ErrInvalidHeader, info.Shape, span)
		}
		n *= d
	}
	return n, nil
}

// Names returns the tensor names in sorted order.
func (st *SafeTensors) Names() []string {
	names := make([]string, 0, len(st.Meta))
	for k := range st.Meta {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// GetFloat64 reads a tensor as a float64 slice, widening F32 if needed.
func (st *SafeTensors) GetFloat64(name string) ([]float64, []int, error) {
	info, ok := st.Meta[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrMissingTensor, name)
	}

	raw := st.Data[info.DataOffsets[0]:info.DataOffsets[1]]

	numel, err := info.numel()
	if err != nil {
		return nil, nil, fmt.Errorf("tensor %q: %w", name, err)
	}

	result := make([]float64, numel)

	switch info.Dtype {
	case "F64":
		if len(raw) != numel*8 {
			return nil, nil, fmt.Errorf("tensor %q: %d bytes for %d F64 values", name, len(raw), numel)
		}
		for i := 0; i < numel; i++ {
			result[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	case "F32":
		if len(raw) != numel*4 {
			return nil, nil, fmt.Errorf("tensor %q: %d bytes for %d F32 values", name, len(raw), numel)
		}
		for i := 0; i < numel; i++ {
			result[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	default:
		return nil, nil, fmt.Errorf("unsupported dtype %q for tensor %q", info.Dtype, name)
	}

	return result, info.Shape, nil
}

// WriteSafeTensors stores the tensors as F64 in safetensors layout with the
// given string metadata. Parent directories are created.
func WriteSafeTensors(path string, tensors []*Param, metadata map[string]string) error {
	sorted := append([]*Param(nil), tensors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	offset := 0
	for _, p := range sorted {
		if _, dup := header[p.Name]; dup {
			return fmt.Errorf("duplicate tensor name %q", p.Name)
		}
		size := len(p.Data) * 8
		header[p.Name] = TensorInfo{Dtype: "F64", Shape: p.Shape, DataOffsets: [2]int{offset, offset + size}}
		offset += size
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	// pad so the data section starts 8-byte aligned
	for len(headerJSON)%8 != 0 {
		headerJSON = append(headerJSON, ' ')
	}

	buf := make([]byte, 8+len(headerJSON)+offset)
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(headerJSON)))
	copy(buf[8:], headerJSON)
	pos := 8 + len(headerJSON)
	for _, p := range sorted {
		for _, v := range p.Data {
			binary.LittleEndian.PutUint64(buf[pos:], math.Float64bits(v))
			pos += 8
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
