package tabddpm

// ModelKind names a denoising network architecture.
type ModelKind string

const (
	ModelMLP ModelKind = "mlp"
)

var knownModelKinds = []ModelKind{ModelMLP}

// RTDLParams configures the MLP body.
type RTDLParams struct {
	DLayers []int   `toml:"d_layers" json:"d_layers"`
	Dropout float64 `toml:"dropout" json:"dropout"`
}

// ModelParams configures a denoising network. DIn is the width of the
// diffusion input: numeric features plus the sum of category sizes.
type ModelParams struct {
	DIn        int        `toml:"d_in" json:"d_in"`
	NumClasses int        `toml:"num_classes" json:"num_classes"`
	IsYCond    bool       `toml:"is_y_cond" json:"is_y_cond"`
	DimT       int        `toml:"dim_t" json:"dim_t"`
	RTDL       RTDLParams `toml:"rtdl_params" json:"rtdl_params"`
	Seed       uint64     `toml:"-" json:"-"`
}

// NewModel builds the network for kind. Unknown kinds fail immediately with
// *UnknownModelError.
func NewModel(kind ModelKind, params ModelParams) (*MLPDiffusion, error) {
	switch kind {
	case ModelMLP:
		return NewMLPDiffusion(params)
	default:
		return nil, &UnknownModelError{Kind: kind}
	}
}
