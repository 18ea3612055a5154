// Command pecount counts hardware performance events through perf_event.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unvariance/perfctr/pkg/config"
)

type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	log     *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}
	return a.rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pecount",
		Short:         "Count hardware performance events with perf_event",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ./.perfctr.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("watchdog", "auto", "NMI watchdog state: auto, on or off")
	flags.Int("mmap-pages", 0, "sampling buffer size in pages, 1 plus a power of two")
	flags.String("overflow-signal", "SIGIO", "signal delivered when a sampling buffer fills")
	flags.StringSliceP("events", "e", nil, "events to count")
	flags.String("domain", "user", "counting domain: user, kernel or all, comma separated")
	flags.Bool("multiplex", false, "time-share counters when the group does not fit the PMU")
	flags.Bool("inherit", false, "count child threads created after the group opens")
	flags.Int("cpu", -1, "count system-wide on this CPU (-1 for every allowed CPU)")
	for _, name := range []string{"log-level", "watchdog", "mmap-pages", "overflow-signal", "events", "domain", "multiplex", "inherit", "cpu"} {
		_ = a.v.BindPFlag(configKey(name), flags.Lookup(name))
	}

	root.AddCommand(a.statCmd(), a.recordCmd(), a.serveCmd(), a.checkCmd())
	return root
}

func configKey(flag string) string {
	return strings.ReplaceAll(flag, "-", "_")
}

func (a *app) init() error {
	if err := config.ReadFile(a.v, a.cfgFile); err != nil {
		return err
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.log = log
	if used := a.v.ConfigFileUsed(); used != "" {
		a.log.Debug("using config file", zap.String("path", used))
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pecount:", err)
		os.Exit(1)
	}
}
