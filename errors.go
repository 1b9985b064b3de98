package tabddpm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrShapeMismatch        = errors.New("tensor shape mismatch")
	ErrMissingTensor        = errors.New("tensor missing from checkpoint")
	ErrInvalidHeader        = errors.New("invalid safetensors header")
	ErrFoundNaNs            = errors.New("found NaNs in generated samples")
	ErrUnknownCategory      = errors.New("unknown category")
	ErrSingleClass          = errors.New("only one class present in labels")
	ErrUnsupportedLoss      = errors.New("unsupported gaussian loss type")
	ErrUnknownScheduler     = errors.New("unknown beta scheduler")
	ErrUnknownNormalization = errors.New("unknown numeric normalization")
	ErrUnknownEncoding      = errors.New("unknown categorical encoding")
	ErrUnknownPolicy        = errors.New("unknown disbalance policy")
	ErrNotClassification    = errors.New("class policy requires a label-conditioned classification model")
	ErrEmptySplit           = errors.New("split has no rows")
)

// UnknownModelError is returned by NewModel for an unrecognized model kind.
type UnknownModelError struct {
	Kind ModelKind
}

func (e *UnknownModelError) Error() string {
	known := make([]string, len(knownModelKinds))
	for i, k := range knownModelKinds {
		known[i] = string(k)
	}
	return fmt.Sprintf("unknown model %q (known: %s)", string(e.Kind), strings.Join(known, ", "))
}
