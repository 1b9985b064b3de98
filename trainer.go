package tabddpm

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// Artifact names written into TrainConfig.OutputDir.
const (
	ModelFile    = "model.safetensors"
	ModelEMAFile = "model_ema.safetensors"
	LossCSVFile  = "loss.csv"
	LossPlotFile = "loss.png"
)

// TrainConfig defines parameters for the step-based training loop.
type TrainConfig struct {
	Steps           int     // Number of optimization steps
	LR              float64 // Initial learning rate, annealed linearly to zero
	WeightDecay     float64 // AdamW decoupled weight decay
	BatchSize       int     // Rows per step
	EMADecay        float64 // Shadow weight decay (0 means DefaultEMADecay)
	PrintEvery      int     // Log averaged losses every this many steps (0 disables)
	CheckpointEvery int     // Save intermediate snapshots every this many steps (0 disables)
	OutputDir       string  // Where artifacts go; created if missing
	Seed            uint64  // Seed for batch order
}

// Trainer optimizes a denoiser against the diffusion objective for a fixed
// number of steps.
type Trainer struct {
	Diffusion *Diffusion
	Model     TrainableDenoiser
	Config    TrainConfig
	Meta      CheckpointMeta // stored with every snapshot

	logger  *logrus.Logger
	opt     *AdamW
	ema     *EMA
	loader  *FastLoader
	history []LossRecord
}

// NewTrainer wires the optimizer, the EMA hook and the batch loader. model
// must be the denoiser d was built with. y may be nil for unconditional
// models.
func NewTrainer(d *Diffusion, model TrainableDenoiser, x *mat.Dense, y []float64, cfg TrainConfig, logger *logrus.Logger) (*Trainer, error) {
	if cfg.Steps < 1 {
		return nil, fmt.Errorf("steps must be >= 1, got %d", cfg.Steps)
	}
	if cfg.EMADecay == 0 {
		cfg.EMADecay = DefaultEMADecay
	}
	if logger == nil {
		logger = logrus.New()
	}
	loader, err := NewFastLoader(x, y, cfg.BatchSize, newRand(cfg.Seed))
	if err != nil {
		return nil, err
	}
	params := model.Params()
	return &Trainer{
		Diffusion: d,
		Model:     model,
		Config:    cfg,
		logger:    logger,
		opt:       NewAdamW(params, DefaultAdamWConfig(cfg.LR, cfg.WeightDecay)),
		ema:       NewEMA(params, cfg.EMADecay),
		loader:    loader,
	}, nil
}

// History returns the per-step loss records collected so far.
func (t *Trainer) History() []LossRecord { return t.history }

// EMA returns the shadow weights.
func (t *Trainer) EMA() *EMA { return t.ema }

// step runs one batch through loss, backward, the optimizer and the EMA hook.
func (t *Trainer) step(i int) (LossRecord, error) {
	x, y := t.loader.Next()
	t.Model.ZeroGrad()
	mloss, gloss, grad, err := t.Diffusion.MixedLoss(x, y)
	if err != nil {
		return LossRecord{}, err
	}
	if math.IsNaN(mloss+gloss) || math.IsInf(mloss+gloss, 0) {
		return LossRecord{}, fmt.Errorf("non-finite loss at step %d: mloss=%v gloss=%v", i, mloss, gloss)
	}
	t.Model.Backward(grad)
	t.opt.Step()
	t.opt.SetLR(annealLR(t.Config.LR, i+1, t.Config.Steps))
	if err := t.ema.Update(t.Model.Params()); err != nil {
		return LossRecord{}, err
	}
	return LossRecord{Step: i, MLoss: mloss, GLoss: gloss, Loss: mloss + gloss}, nil
}

// Run executes the training loop, then writes the raw and EMA snapshots and
// the loss history into Config.OutputDir.
func (t *Trainer) Run() error {
	if err := os.MkdirAll(t.Config.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	t.Model.SetTraining(true)
	defer t.Model.SetTraining(false)

	start := time.Now()
	var sumM, sumG float64
	var count int
	for i := 0; i < t.Config.Steps; i++ {
		rec, err := t.step(i)
		if err != nil {
			return fmt.Errorf("train step %d: %w", i, err)
		}
		t.history = append(t.history, rec)
		sumM += rec.MLoss
		sumG += rec.GLoss
		count++

		if t.Config.PrintEvery > 0 && (i+1)%t.Config.PrintEvery == 0 {
			t.logger.WithFields(logrus.Fields{
				"step":  i + 1,
				"mloss": math.Round(sumM/float64(count)*1e4) / 1e4,
				"gloss": math.Round(sumG/float64(count)*1e4) / 1e4,
				"loss":  math.Round((sumM+sumG)/float64(count)*1e4) / 1e4,
				"lr":    t.opt.LR(),
			}).Info("training")
			sumM, sumG, count = 0, 0, 0
		}
		if t.Config.CheckpointEvery > 0 && (i+1)%t.Config.CheckpointEvery == 0 && i+1 < t.Config.Steps {
			if err := t.saveSnapshots(filepath.Join(t.Config.OutputDir, "checkpoints", fmt.Sprintf("step_%06d", i+1)), i+1); err != nil {
				return err
			}
		}
	}

	if err := t.saveSnapshots(t.Config.OutputDir, t.Config.Steps); err != nil {
		return err
	}
	if err := WriteLossCSV(filepath.Join(t.Config.OutputDir, LossCSVFile), t.history); err != nil {
		return fmt.Errorf("write loss history: %w", err)
	}
	if err := PlotLoss(filepath.Join(t.Config.OutputDir, LossPlotFile), t.history); err != nil {
		return fmt.Errorf("plot loss history: %w", err)
	}
	t.logger.WithFields(logrus.Fields{
		"steps":    t.Config.Steps,
		"duration": time.Since(start),
		"dir":      t.Config.OutputDir,
	}).Info("training finished")
	return nil
}

func (t *Trainer) saveSnapshots(dir string, step int) error {
	meta := t.Meta
	meta.Step = step
	if err := SaveModel(filepath.Join(dir, ModelFile), t.Model.Params(), meta); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	meta.EMA = true
	if err := SaveModel(filepath.Join(dir, ModelEMAFile), t.ema.Params(), meta); err != nil {
		return fmt.Errorf("save ema model: %w", err)
	}
	return nil
}
