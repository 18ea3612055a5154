package main

import (
	"fmt"
	"runtime"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/unvariance/perfctr/pkg/affinity"
	"github.com/unvariance/perfctr/pkg/events"
)

func (a *app) statCmd() *cobra.Command {
	var iterations int

	cmd := &cobra.Command{
		Use:   "stat [events...]",
		Short: "Count events over a built-in workload on the calling thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := a.cfg.Events
			if len(args) > 0 {
				names = args
			}

			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			b, err := a.newBackend()
			if err != nil {
				return err
			}
			table := events.NewTable()
			g, added, err := a.openGroup(b, table, -1, names, false)
			if err != nil {
				return err
			}
			defer g.close(a.log)

			for _, name := range names {
				if !slices.Contains(added, name) {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: not counted\n", name)
				}
			}

			measure := func() error {
				if err := g.control.Start(g.ctx); err != nil {
					return err
				}
				heavyWorkload(iterations)
				return g.control.Stop(g.ctx)
			}
			if a.cfg.CPU >= 0 {
				err = affinity.OnCPU(a.cfg.CPU, measure)
			} else {
				err = measure()
			}
			if err != nil {
				return err
			}

			counts, err := g.control.Read(g.ctx)
			if err != nil {
				return err
			}
			enabled, running := g.control.ReadTimes()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', tabwriter.AlignRight)
			for i, label := range g.control.Labels(g.ctx) {
				if g.control.Multiplexed() {
					fmt.Fprintf(tw, "%d\t%s\t(%d/%d ns)\t\n", counts[i], label, running[i], enabled[i])
				} else {
					fmt.Fprintf(tw, "%d\t%s\t\n", counts[i], label)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 999999, "workload iterations")
	return cmd
}
