package tabddpm

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
)

// TaskType is the prediction task declared for the target column.
type TaskType string

const (
	BinClass   TaskType = "binclass"
	MultiClass TaskType = "multiclass"
	Regression TaskType = "regression"
)

// IsClassification reports whether the target is categorical.
func (t TaskType) IsClassification() bool { return t == BinClass || t == MultiClass }

// ParseTaskType validates s.
func ParseTaskType(s string) (TaskType, error) {
	switch t := TaskType(s); t {
	case BinClass, MultiClass, Regression:
		return t, nil
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// Info is the info.json sidecar of a dataset: column roles and the mappings
// between original column positions and the model's num/cat/target layout.
type Info struct {
	Name              string         `json:"name"`
	TaskType          TaskType       `json:"task_type"`
	ColumnNames       []string       `json:"column_names,omitempty"`
	NumColIdx         []int          `json:"num_col_idx"`
	CatColIdx         []int          `json:"cat_col_idx"`
	TargetColIdx      []int          `json:"target_col_idx"`
	IdxMapping        map[int]int    `json:"idx_mapping,omitempty"`
	InverseIdxMapping map[int]int    `json:"inverse_idx_mapping,omitempty"`
	IdxNameMapping    map[int]string `json:"idx_name_mapping,omitempty"`
}

// LoadInfo reads and validates an info.json file.
func LoadInfo(path string) (*Info, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if _, err := ParseTaskType(string(info.TaskType)); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &info, nil
}

// Save writes the sidecar as indented JSON.
func (info *Info) Save(path string) error {
	b, err := json.MarshalIndent(info, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// NumColumns is the total number of original columns.
func (info *Info) NumColumns() int {
	return len(info.NumColIdx) + len(info.CatColIdx) + len(info.TargetColIdx)
}

// Complete fills ColumnNames from header when absent, checks the column
// roles and derives any missing mapping. Columns are laid out numeric
// first, then categorical, then target.
func (info *Info) Complete(header []string) error {
	n := info.NumColumns()
	if info.ColumnNames == nil {
		info.ColumnNames = append([]string(nil), header...)
	}
	if len(info.ColumnNames) != n {
		return fmt.Errorf("%w: info declares %d columns, names list %d", ErrShapeMismatch, n, len(info.ColumnNames))
	}
	if header != nil && len(header) != n {
		return fmt.Errorf("%w: info declares %d columns, table has %d", ErrShapeMismatch, n, len(header))
	}
	roles := make([]int, n)
	for _, group := range [][]int{info.NumColIdx, info.CatColIdx, info.TargetColIdx} {
		for _, idx := range group {
			if idx < 0 || idx >= n {
				return fmt.Errorf("column index %d out of range [0, %d)", idx, n)
			}
			roles[idx]++
		}
	}
	for idx, r := range roles {
		if r != 1 {
			return fmt.Errorf("column %d has %d roles, want exactly 1", idx, r)
		}
	}

	if info.IdxMapping == nil {
		info.IdxMapping = make(map[int]int, n)
		currNum, currCat, currTarget := 0, len(info.NumColIdx), len(info.NumColIdx)+len(info.CatColIdx)
		for idx := 0; idx < n; idx++ {
			switch {
			case slices.Contains(info.NumColIdx, idx):
				info.IdxMapping[idx] = currNum
				currNum++
			case slices.Contains(info.CatColIdx, idx):
				info.IdxMapping[idx] = currCat
				currCat++
			default:
				info.IdxMapping[idx] = currTarget
				currTarget++
			}
		}
	}
	if info.InverseIdxMapping == nil {
		info.InverseIdxMapping = make(map[int]int, n)
		for k, v := range info.IdxMapping {
			info.InverseIdxMapping[v] = k
		}
	}
	if info.IdxNameMapping == nil {
		info.IdxNameMapping = make(map[int]string, n)
		for i, name := range info.ColumnNames {
			info.IdxNameMapping[i] = name
		}
	}
	return nil
}
