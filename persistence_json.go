package tabddpm

import (
	"encoding/json"
	"fmt"
	"slices"
)

// metadataKey is the safetensors __metadata__ entry holding CheckpointMeta.
const metadataKey = "tabddpm"

// CheckpointMeta is the side information stored with a weight snapshot:
// enough to rebuild the same architecture and invert generated rows.
type CheckpointMeta struct {
	ModelType     ModelKind   `json:"model_type"`
	ModelParams   ModelParams `json:"model_params"`
	NumNumerical  int         `json:"num_numerical_features"`
	CategorySizes []int       `json:"category_sizes"`
	Step          int         `json:"step"`
	EMA           bool        `json:"ema"`
	Info          *Info       `json:"info,omitempty"`
}

// marshalMeta renders meta as the safetensors string metadata map.
func marshalMeta(meta CheckpointMeta) (map[string]string, error) {
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint meta: %w", err)
	}
	return map[string]string{metadataKey: string(b), "format": "tabddpm"}, nil
}

// unmarshalMeta extracts CheckpointMeta; it returns nil when the file carries
// none (for example weights exported by another tool).
func unmarshalMeta(md map[string]string) (*CheckpointMeta, error) {
	s, ok := md[metadataKey]
	if !ok {
		return nil, nil
	}
	var meta CheckpointMeta
	if err := json.Unmarshal([]byte(s), &meta); err != nil {
		return nil, fmt.Errorf("parse checkpoint meta: %w", err)
	}
	return &meta, nil
}

// compatible reports whether a stored architecture matches the configured one.
func (m *CheckpointMeta) compatible(want *CheckpointMeta) error {
	if m.NumNumerical != want.NumNumerical {
		return fmt.Errorf("%w: checkpoint has %d numerical features, configured %d",
			ErrShapeMismatch, m.NumNumerical, want.NumNumerical)
	}
	if !slices.Equal(m.CategorySizes, want.CategorySizes) {
		return fmt.Errorf("%w: checkpoint category sizes %v, configured %v",
			ErrShapeMismatch, m.CategorySizes, want.CategorySizes)
	}
	if m.ModelParams.DIn != want.ModelParams.DIn {
		return fmt.Errorf("%w: checkpoint d_in %d, configured %d",
			ErrShapeMismatch, m.ModelParams.DIn, want.ModelParams.DIn)
	}
	return nil
}
