package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/openfluke/tabddpm"
)

func main() {
	var (
		mode       = flag.String("mode", "sample", "train or sample")
		dataname   = flag.String("dataname", "adult", "Dataset name")
		gpu        = flag.Int("gpu", -1, "Accelerator index (-1 = cpu)")
		ddim       = flag.Bool("ddim", false, "Use DDIM sampling")
		steps      = flag.Int("steps", 1000, "Number of DDIM steps")
		eta        = flag.Float64("eta", 0, "DDIM eta (0 = deterministic Gaussian part)")
		configPath = flag.String("config", "", "TOML config (default configs/<dataname>.toml)")
		dataDir    = flag.String("data-dir", "", "Processed dataset dir (default data/<dataname>)")
		ckptDir    = flag.String("ckpt-dir", "", "Checkpoint dir (default ckpt/tabddpm/<dataname>)")
		savePath   = flag.String("save-path", "", "Synthetic CSV path (default synthetic/<dataname>/tabddpm.csv)")
		useEMA     = flag.Bool("ema", false, "Sample from the EMA weights")
		printEvery = flag.Int("print-every", 100, "Log training losses every N steps")
		ckptEvery  = flag.Int("ckpt-every", 0, "Save intermediate checkpoints every N steps (0 = off)")
		procs      = flag.Int("procs", 0, "GOMAXPROCS setting (0 = runtime default)")
		logLevel   = flag.String("log-level", "info", "Log level")
		jsonLogs   = flag.Bool("json-logs", false, "Emit JSON log lines")
	)
	flag.Parse()

	logger, err := tabddpm.Setup(tabddpm.SetupOptions{Threads: *procs, LogLevel: *logLevel, JSONLogs: *jsonLogs})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *mode != "train" && *mode != "sample" {
		fmt.Fprintf(os.Stderr, "unknown -mode %q\n", *mode)
		flag.Usage()
		os.Exit(2)
	}
	orDefault := func(v, def string) string {
		if v != "" {
			return v
		}
		return def
	}
	cfgFile := orDefault(*configPath, filepath.Join("configs", *dataname+".toml"))
	realDir := orDefault(*dataDir, filepath.Join("data", *dataname))
	modelDir := orDefault(*ckptDir, filepath.Join("ckpt", "tabddpm", *dataname))
	outPath := orDefault(*savePath, filepath.Join("synthetic", *dataname, "tabddpm.csv"))

	cfg, err := tabddpm.LoadConfig(cfgFile, logger)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	device := cfg.Device
	if *gpu >= 0 {
		device = fmt.Sprintf("cuda:%d", *gpu)
	}

	ds, err := tabddpm.MakeDataset(realDir, cfg.Train.T.Transformations(), tabddpm.MakeOptions{
		TaskType: tabddpm.TaskType(cfg.TaskType),
		IsYCond:  cfg.ModelParams.IsYCond,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatalf("dataset: %v", err)
	}

	opts := tabddpm.Options{
		Dataset:     ds,
		ModelType:   cfg.ModelType,
		ModelParams: cfg.ModelParams,
		Diffusion:   cfg.DiffusionParams,
		Seed:        cfg.Seed,
		Device:      device,
		Logger:      logger,
	}

	switch *mode {
	case "train":
		p, err := tabddpm.New(opts)
		if err != nil {
			logger.Fatalf("build: %v", err)
		}
		if _, err := p.Train(tabddpm.TrainOptions{
			OutputDir:       modelDir,
			Steps:           cfg.Train.Main.Steps,
			LR:              cfg.Train.Main.LR,
			WeightDecay:     cfg.Train.Main.WeightDecay,
			BatchSize:       cfg.Train.Main.BatchSize,
			PrintEvery:      *printEvery,
			CheckpointEvery: *ckptEvery,
		}); err != nil {
			logger.Fatalf("train: %v", err)
		}
	case "sample":
		file := tabddpm.ModelFile
		if *useEMA {
			file = tabddpm.ModelEMAFile
		}
		opts.CheckpointPath = filepath.Join(modelDir, file)
		p, err := tabddpm.New(opts)
		if err != nil {
			logger.Fatalf("build: %v", err)
		}
		table, err := p.Sample(tabddpm.SampleOptions{
			Path:       outPath,
			NumSamples: cfg.Sample.NumSamples,
			BatchSize:  cfg.Sample.BatchSize,
			Disbalance: string(cfg.Sample.Disbalance),
			DDIM:       *ddim,
			Steps:      *steps,
			Eta:        *eta,
			Seed:       cfg.Sample.Seed,
		})
		if err != nil {
			logger.Fatalf("sample: %v", err)
		}
		if trainTable, err := tabddpm.ReadCSV(filepath.Join(realDir, "train.csv")); err == nil {
			report, err := tabddpm.CompareTables(trainTable, table, ds.Info)
			if err != nil {
				logger.Warnf("compare: %v", err)
				break
			}
			logger.WithFields(logrus.Fields{
				"score":    report.FinalScore(),
				"failures": report.Failures,
				"checked":  report.Total,
			}).Info("column deviation vs train")
		}
	}
}
