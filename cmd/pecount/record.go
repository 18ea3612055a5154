package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/unvariance/perfctr/pkg/aggregate"
	"github.com/unvariance/perfctr/pkg/events"
	"github.com/unvariance/perfctr/pkg/metrics"
	"github.com/unvariance/perfctr/pkg/record"
)

type slotWriter interface {
	WriteSlot(slot *aggregate.Slot) error
}

// sampler tracks the last reading of one group
type sampler struct {
	key  uint32
	src  metrics.Source
	prev []uint64
}

// recorder turns periodic readings into per-slot count deltas
type recorder struct {
	agg      *aggregate.Aggregator
	out      slotWriter
	samplers []*sampler
	last     uint64
	log      *zap.Logger
}

// sample reads every group at now and feeds the change since the previous
// reading to the aggregator. The first reading only sets the baseline.
func (r *recorder) sample(now uint64) error {
	for _, s := range r.samplers {
		counts, err := s.src.Read()
		if err != nil {
			return fmt.Errorf("reading group %d: %w", s.key, err)
		}
		if s.prev != nil && now > r.last {
			delta := make([]uint64, len(counts))
			for i, v := range counts {
				// a counter below its last value was reset
				if v >= s.prev[i] {
					delta[i] = v - s.prev[i]
				} else {
					delta[i] = v
				}
			}
			completed, err := r.agg.Add(aggregate.Measurement{
				Key:       s.key,
				Counts:    delta,
				Timestamp: now,
				Duration:  now - r.last,
			})
			if err != nil {
				return err
			}
			if err := r.write(completed); err != nil {
				return err
			}
		}
		s.prev = append(s.prev[:0], counts...)
	}
	r.last = now
	return nil
}

func (r *recorder) write(slots []*aggregate.Slot) error {
	for _, slot := range slots {
		if err := r.out.WriteSlot(slot); err != nil {
			return err
		}
		r.log.Debug("slot written", zap.Uint64("start", slot.StartTime), zap.Int("groups", len(slot.Aggregations)))
	}
	return nil
}

// run samples on every tick until ctx ends, then writes the open slots
func (r *recorder) run(ctx context.Context, tick <-chan time.Time, now func() uint64) error {
	if err := r.sample(now()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return r.write(r.agg.Flush())
		case <-tick:
			if err := r.sample(now()); err != nil {
				return err
			}
		}
	}
}

func wallClock() uint64 {
	return uint64(time.Now().UnixNano())
}

func (a *app) recordCmd() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record per-CPU counts in time slots to a parquet file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

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

			agg, err := aggregate.NewAggregator(aggregate.Config{
				Counters:   len(names),
				SlotLength: uint64(a.cfg.SlotLength),
				WindowSize: a.cfg.WindowSize,
			})
			if err != nil {
				return err
			}
			w, err := record.Create(a.cfg.Output, names)
			if err != nil {
				return err
			}

			r := &recorder{agg: agg, out: w, log: a.log}
			for _, g := range groups {
				r.samplers = append(r.samplers, &sampler{key: uint32(g.cpu), src: metrics.NewControlSource(g.ctx, g.control)})
			}

			a.log.Info("recording",
				zap.Strings("events", names),
				zap.Int("cpus", len(groups)),
				zap.String("output", a.cfg.Output))

			ticker := time.NewTicker(a.cfg.Interval)
			defer ticker.Stop()
			err = r.run(ctx, ticker.C, wallClock)
			if cerr := w.Close(); err == nil {
				err = cerr
			}
			a.log.Info("recording finished", zap.Int("rows", w.Rows()), zap.Error(err))
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringP("output", "o", "perfctr.parquet", "parquet file to write")
	flags.Duration("interval", time.Second, "time between reads")
	flags.Duration("slot-length", time.Second, "aggregation slot length")
	flags.Uint("window-size", 4, "number of slots kept open for late readings")
	for _, name := range []string{"output", "interval", "slot-length", "window-size"} {
		_ = a.v.BindPFlag(configKey(name), flags.Lookup(name))
	}
	flags.DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}
