package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/cilium/ebpf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/unvariance/perfctr/pkg/events"
	"github.com/unvariance/perfctr/pkg/metrics"
)

// newRegistry returns a registry exposing every group labelled by CPU
func newRegistry(groups []*group, log *zap.Logger) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, g := range groups {
		src := metrics.NewControlSource(g.ctx, g.control)
		labels := prometheus.Labels{"cpu": strconv.Itoa(g.cpu)}
		if err := reg.Register(metrics.NewCollector(src, labels, log)); err != nil {
			return nil, fmt.Errorf("registering cpu %d: %w", g.cpu, err)
		}
	}
	return reg, nil
}

// publish stores the descriptors of a single group in the pinned perf event
// array at path
func publish(groups []*group, path string) error {
	if len(groups) != 1 {
		return fmt.Errorf("publishing to %s needs a single cpu, have %d", path, len(groups))
	}
	array, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return fmt.Errorf("loading pinned map: %w", err)
	}
	defer array.Close()
	return groups[0].control.PublishFDs(array)
}

func (a *app) serveCmd() *cobra.Command {
	var publishMap string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose per-CPU counts on a Prometheus endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
			defer stop()

			b, err := a.newBackend()
			if err != nil {
				return err
			}
			groups, names, err := a.openCPUGroups(b, events.NewTable())
			if err != nil {
				return err
			}
			defer closeGroups(groups, a.log)
			if err := startGroups(groups); err != nil {
				return err
			}
			if publishMap != "" {
				if err := publish(groups, publishMap); err != nil {
					return err
				}
			}

			reg, err := newRegistry(groups, a.log)
			if err != nil {
				return err
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{
				Addr:              a.cfg.Listen,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					a.log.Warn("shutting down", zap.Error(err))
				}
			}()

			a.log.Info("serving metrics",
				zap.String("listen", a.cfg.Listen),
				zap.Strings("events", names),
				zap.Int("cpus", len(groups)))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":2112", "address of the metrics endpoint")
	_ = a.v.BindPFlag("listen", flags.Lookup("listen"))
	flags.StringVar(&publishMap, "publish-map", "", "pinned BPF perf event array to receive the counter descriptors")
	return cmd
}
