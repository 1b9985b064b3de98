package tabddpm

import (
	"fmt"
	"slices"
)

// SaveModel writes params with meta to a safetensors file.
func SaveModel(path string, params []*Param, meta CheckpointMeta) error {
	md, err := marshalMeta(meta)
	if err != nil {
		return err
	}
	return WriteSafeTensors(path, params, md)
}

// LoadModel reads a safetensors snapshot into params. Every parameter must
// be present with exactly its configured shape and the file must hold no
// extra tensors; when want is non-nil the stored architecture is checked
// against it as well. Nothing is written to params unless every check
// passes. The stored meta (nil if absent) is returned.
func LoadModel(path string, params []*Param, want *CheckpointMeta) (*CheckpointMeta, error) {
	st, err := OpenSafeTensors(path)
	if err != nil {
		return nil, err
	}
	meta, err := unmarshalMeta(st.Metadata)
	if err != nil {
		return nil, err
	}
	if meta != nil && want != nil {
		if err := meta.compatible(want); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	loaded := make([][]float64, len(params))
	seen := make(map[string]bool, len(params))
	for i, p := range params {
		data, shape, err := st.GetFloat64(p.Name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if !slices.Equal(shape, p.Shape) {
			return nil, fmt.Errorf("%s: %w: tensor %s has shape %v, model expects %v",
				path, ErrShapeMismatch, p.Name, shape, p.Shape)
		}
		loaded[i] = data
		seen[p.Name] = true
	}
	for _, name := range st.Names() {
		if !seen[name] {
			return nil, fmt.Errorf("%s: %w: unexpected tensor %s", path, ErrShapeMismatch, name)
		}
	}

	for i, p := range params {
		copy(p.Data, loaded[i])
	}
	return meta, nil
}
