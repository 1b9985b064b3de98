package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/openfluke/tabddpm"
)

func main() {
	var (
		dataname  = flag.String("dataname", "adult", "Dataset name")
		dataDir   = flag.String("data-dir", "", "Processed dataset dir (default data/<dataname>)")
		imputeDir = flag.String("impute-dir", "", "Dir holding <i>.csv imputation runs (default impute/tabsyn/<dataname>)")
		runs      = flag.Int("runs", 9, "Number of imputation runs")
		logLevel  = flag.String("log-level", "info", "Log level")
		jsonLogs  = flag.Bool("json-logs", false, "Emit JSON log lines")
	)
	flag.Parse()

	logger, err := tabddpm.Setup(tabddpm.SetupOptions{LogLevel: *logLevel, JSONLogs: *jsonLogs})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *runs <= 0 {
		logger.Fatalf("-runs must be positive, got %d", *runs)
	}
	realDir := *dataDir
	if realDir == "" {
		realDir = filepath.Join("data", *dataname)
	}
	runDir := *imputeDir
	if runDir == "" {
		runDir = filepath.Join("impute", "tabsyn", *dataname)
	}

	test, err := tabddpm.ReadCSV(filepath.Join(realDir, "test.csv"))
	if err != nil {
		logger.Fatalf("read test split: %v", err)
	}
	if len(test.Header) == 0 {
		logger.Fatalf("test split has no columns")
	}
	target := test.Header[len(test.Header)-1]
	truth := test.Column(len(test.Header) - 1)

	imputed := make([][]string, 0, *runs)
	for i := 0; i < *runs; i++ {
		path := filepath.Join(runDir, strconv.Itoa(i)+".csv")
		t, err := tabddpm.ReadCSV(path)
		if err != nil {
			logger.Fatalf("read run %d: %v", i, err)
		}
		col := t.ColumnIndex(target)
		if col < 0 {
			col = len(t.Header) - 1
		}
		imputed = append(imputed, t.Column(col))
	}

	scores, err := tabddpm.ComputeImputeScores(truth, imputed)
	if err != nil {
		logger.Fatalf("score: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"dataset":   *dataname,
		"target":    target,
		"runs":      *runs,
		"micro_f1":  scores.MicroF1,
		"micro_auc": scores.MicroAUC,
	}).Info("imputation scores")
	fmt.Printf("Micro-F1: %.6f\nMicro-AUC: %.6f\n", scores.MicroF1, scores.MicroAUC)
}
