package tabddpm

import (
	"io"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
)

// SetupOptions configures process-wide state.
type SetupOptions struct {
	Threads  int    // GOMAXPROCS; 0 keeps the runtime default
	LogLevel string // logrus level name; empty means info
	JSONLogs bool
	Output   io.Writer // nil means stderr
}

// Setup applies process-wide settings and returns the logger every
// component should share. Call it once from main.
func Setup(opts SetupOptions) (*logrus.Logger, error) {
	if opts.Threads > 0 {
		runtime.GOMAXPROCS(opts.Threads)
	}
	logger := logrus.New()
	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}
	if opts.JSONLogs {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if opts.LogLevel != "" {
		level, err := logrus.ParseLevel(opts.LogLevel)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(level)
	}
	return logger, nil
}
