package cmd

import (
	"os"
	"sync"
	"time"

	"github.com/bronystylecrazy/ultrasync/cfg"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const configDebounce = 500 * time.Millisecond

// ConfigWatchRunner logs edits to the config file while a long running
// command is active. Changes take effect on the next run.
type ConfigWatchRunner struct {
	log  *zap.Logger
	once sync.Once
}

func NewConfigWatchRunner(logger *zap.Logger) *ConfigWatchRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigWatchRunner{log: logger.Named("config")}
}

func (r *ConfigWatchRunner) PreRun(cmd *cobra.Command, _ []string) (bool, error) {
	path, _ := cmd.Flags().GetString(ConfigFlag)
	if path == "" {
		return false, nil
	}
	if _, err := os.Stat(path); err != nil {
		return false, nil
	}
	var err error
	r.once.Do(func() {
		err = cfg.Watch(path, configDebounce, r.log, func(settings map[string]any) {
			r.log.Info("config file changed, restart to apply", zap.String("path", path), zap.Int("sections", len(settings)))
		})
	})
	return false, err
}

// TimingRunner logs how long each command ran and how it ended.
type TimingRunner struct {
	log     *zap.Logger
	mu      sync.Mutex
	started map[*cobra.Command]time.Time
}

func NewTimingRunner(logger *zap.Logger) *TimingRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimingRunner{log: logger.Named("cmd"), started: make(map[*cobra.Command]time.Time)}
}

func (r *TimingRunner) PreRun(cmd *cobra.Command, _ []string) (bool, error) {
	r.mu.Lock()
	r.started[cmd] = time.Now()
	r.mu.Unlock()
	return false, nil
}

func (r *TimingRunner) PostRun(cmd *cobra.Command, _ []string, runErr error) error {
	r.mu.Lock()
	start, ok := r.started[cmd]
	delete(r.started, cmd)
	r.mu.Unlock()

	fields := []zap.Field{zap.String("command", cmd.CommandPath())}
	if ok {
		fields = append(fields, zap.Duration("elapsed", time.Since(start)))
	}
	if runErr != nil {
		r.log.Warn("command failed", append(fields, zap.Error(runErr))...)
		return nil
	}
	r.log.Debug("command finished", fields...)
	return nil
}

