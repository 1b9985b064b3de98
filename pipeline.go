package tabddpm

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// Options configures a TabDDPM pipeline.
type Options struct {
	Dataset     *Dataset
	ModelType   ModelKind
	ModelParams ModelParams
	Diffusion   DiffusionParams
	Seed        uint64
	// CheckpointPath, when set, is loaded into the freshly built network
	// before the diffusion is assembled.
	CheckpointPath string
	Device         string
	Logger         *logrus.Logger
}

// TabDDPM composes the dataset, the denoising network and the diffusion
// process, and exposes training and sampling.
type TabDDPM struct {
	dataset   *Dataset
	device    Device
	model     *MLPDiffusion
	diffusion *Diffusion
	meta      CheckpointMeta
	logger    *logrus.Logger
	seed      uint64
}

// New builds the network sized from the dataset, optionally loads a
// checkpoint into it, then builds the diffusion process.
func New(opts Options) (*TabDDPM, error) {
	ds := opts.Dataset
	if ds == nil {
		return nil, fmt.Errorf("pipeline needs a dataset")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	device, err := ParseDevice(opts.Device)
	if err != nil {
		return nil, err
	}
	if device.IsAccelerator() {
		logger.WithField("device", device.String()).Warn("accelerator requested; computing on cpu")
	}

	numNumerical := ds.NumNumericalFeatures()
	sizes := ds.CategorySizes()
	dIn := numNumerical
	for _, k := range sizes {
		dIn += k
	}
	params := opts.ModelParams
	if params.DIn == 0 {
		params.DIn = dIn
	} else if params.DIn != dIn {
		return nil, fmt.Errorf("%w: d_in %d configured, dataset needs %d", ErrShapeMismatch, params.DIn, dIn)
	}
	if params.IsYCond != ds.IsYCond {
		return nil, fmt.Errorf("model is_y_cond=%v but dataset was built with is_y_cond=%v", params.IsYCond, ds.IsYCond)
	}
	if params.IsYCond && ds.TaskType.IsClassification() && params.NumClasses == 0 {
		params.NumClasses = ds.NumClasses()
	}
	params.Seed = opts.Seed

	kind := opts.ModelType
	if kind == "" {
		kind = ModelMLP
	}
	model, err := NewModel(kind, params)
	if err != nil {
		return nil, err
	}

	p := &TabDDPM{
		dataset: ds,
		device:  device,
		model:   model,
		logger:  logger,
		seed:    opts.Seed,
		meta: CheckpointMeta{
			ModelType:     kind,
			ModelParams:   params,
			NumNumerical:  numNumerical,
			CategorySizes: sizes,
			Info:          ds.Info,
		},
	}

	if opts.CheckpointPath != "" {
		stored, err := LoadModel(opts.CheckpointPath, model.Params(), &p.meta)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		fields := logrus.Fields{"path": opts.CheckpointPath}
		if stored != nil {
			fields["step"] = stored.Step
			fields["ema"] = stored.EMA
		}
		logger.WithFields(fields).Info("loaded model")
	}

	p.diffusion, err = NewDiffusion(DiffusionConfig{
		NumNumerical:     numNumerical,
		NumClasses:       sizes,
		NumTimesteps:     opts.Diffusion.NumTimesteps,
		GaussianLossType: opts.Diffusion.GaussianLossType,
		Scheduler:        opts.Diffusion.Scheduler,
		TimeSampling:     opts.Diffusion.TimeSampling,
		Seed:             opts.Seed,
	}, model)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"model":          kind,
		"d_in":           params.DIn,
		"num_numerical":  numNumerical,
		"category_sizes": sizes,
		"num_params":     model.NumParams(),
		"device":         device.String(),
	}).Info("built tabddpm")
	return p, nil
}

// Model returns the denoising network.
func (p *TabDDPM) Model() *MLPDiffusion { return p.model }

// Diffusion returns the diffusion process.
func (p *TabDDPM) Diffusion() *Diffusion { return p.diffusion }

// Device returns the device fixed at construction.
func (p *TabDDPM) Device() Device { return p.device }

// TrainOptions configures TabDDPM.Train.
type TrainOptions struct {
	OutputDir       string
	Steps           int
	LR              float64
	WeightDecay     float64
	BatchSize       int
	PrintEvery      int
	CheckpointEvery int
}

// Train optimizes the network on the train split and writes model.safetensors,
// model_ema.safetensors, loss.csv and loss.png into OutputDir. On return the
// network holds the EMA weights, so a following Sample matches what a
// pipeline restored from model_ema.safetensors would draw.
func (p *TabDDPM) Train(opts TrainOptions) ([]LossRecord, error) {
	x, err := p.dataset.Matrix(SplitTrain)
	if err != nil {
		return nil, err
	}
	var y []float64
	if p.dataset.IsYCond {
		y = p.dataset.Y[SplitTrain]
	}
	trainer, err := NewTrainer(p.diffusion, p.model, x, y, TrainConfig{
		Steps:           opts.Steps,
		LR:              opts.LR,
		WeightDecay:     opts.WeightDecay,
		BatchSize:       opts.BatchSize,
		PrintEvery:      opts.PrintEvery,
		CheckpointEvery: opts.CheckpointEvery,
		OutputDir:       opts.OutputDir,
		Seed:            p.seed,
	}, p.logger)
	if err != nil {
		return nil, err
	}
	trainer.Meta = p.meta
	if err := trainer.Run(); err != nil {
		return nil, err
	}
	if err := trainer.EMA().CopyTo(p.model.Params()); err != nil {
		return nil, fmt.Errorf("swap in ema weights: %w", err)
	}
	return trainer.History(), nil
}

// SampleOptions configures TabDDPM.Sample.
type SampleOptions struct {
	// Path, when set, receives the synthetic table as CSV.
	Path       string
	NumSamples int
	BatchSize  int
	// Disbalance names the class policy for label-conditioned models.
	Disbalance string
	DDIM       bool
	Steps      int
	Eta        float64
	// Seed, when non-zero, reseeds the sampler.
	Seed uint64
}

// Sample generates synthetic rows, inverts every transform and reassembles
// the original columns under their original names.
func (p *TabDDPM) Sample(opts SampleOptions) (*Table, error) {
	start := time.Now()
	p.model.SetTraining(false)
	if opts.Seed != 0 {
		p.diffusion.Reseed(opts.Seed)
	}

	labels, err := p.sampleLabels(opts)
	if err != nil {
		return nil, err
	}
	n := opts.NumSamples
	if labels != nil {
		n = len(labels)
	}

	gen, err := p.diffusion.SampleAll(SampleAllOptions{
		NumSamples: n,
		BatchSize:  opts.BatchSize,
		DDIM:       opts.DDIM,
		Steps:      opts.Steps,
		Eta:        opts.Eta,
		Labels:     labels,
	})
	if err != nil {
		return nil, err
	}
	rows, cols := gen.Dims()
	p.logger.WithFields(logrus.Fields{"rows": rows, "cols": cols}).Info("generated")

	num, cat, target, err := p.dataset.SplitNumCatTarget(gen, labels)
	if err != nil {
		return nil, err
	}
	table, err := RecoverTable(num, cat, target, p.dataset.Info)
	if err != nil {
		return nil, err
	}
	if opts.Path != "" {
		if err := table.WriteCSV(opts.Path); err != nil {
			return nil, fmt.Errorf("write samples: %w", err)
		}
	}
	p.logger.WithFields(logrus.Fields{
		"rows":     len(table.Rows),
		"ddim":     opts.DDIM,
		"duration": time.Since(start),
		"path":     opts.Path,
	}).Info("sampling finished")
	return table, nil
}

// sampleLabels draws conditioning labels, or returns nil for unconditional
// models.
func (p *TabDDPM) sampleLabels(opts SampleOptions) ([]float64, error) {
	ds := p.dataset
	rng := newRand(p.seed ^ opts.Seed ^ 0x9e3779b97f4a7c15)
	if !ds.IsYCond {
		if opts.Disbalance != "" {
			p.logger.WithField("disbalance", opts.Disbalance).Warn("class policy ignored for unconditional model")
		}
		return nil, nil
	}
	if !ds.TaskType.IsClassification() {
		// regression targets are resampled from the train split
		train := ds.Y[SplitTrain]
		labels := make([]float64, opts.NumSamples)
		for i := range labels {
			labels[i] = train[rng.IntN(len(train))]
		}
		return labels, nil
	}
	policy, err := ParseClassPolicy(opts.Disbalance)
	if err != nil {
		return nil, err
	}
	counts, err := ds.ClassCounts()
	if err != nil {
		return nil, err
	}
	labels, err := policy.Labels(rng, counts, opts.NumSamples)
	if err != nil {
		return nil, err
	}
	dist := make([]float64, len(counts))
	for _, y := range labels {
		dist[int(y)]++
	}
	floats.Scale(1/float64(len(labels)), dist)
	p.logger.WithFields(logrus.Fields{"policy": policy.Name(), "class_dist": dist}).Debug("drew class labels")
	return labels, nil
}
