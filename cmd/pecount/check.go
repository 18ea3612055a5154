package main

import (
	"fmt"
	"runtime"

	"github.com/elastic/go-perf"
	"github.com/spf13/cobra"

	"github.com/unvariance/perfctr/pkg/events"
	"github.com/unvariance/perfctr/pkg/perfevent"
)

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Print the detected kernel and the defects compensated for",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			platform, err := a.platform()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "kernel:     %s (%s)\n", platform.Version, platform.Release)
			fmt.Fprintf(out, "arch:       %s\n", platform.Arch)
			fmt.Fprintf(out, "watchdog:   %t\n", platform.WatchdogActive)
			fmt.Fprintf(out, "quirks:     %s\n", platform.Quirks())
			fmt.Fprintf(out, "perf_event: %t\n", perf.Supported())

			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			b, err := a.newBackend()
			if err != nil {
				return err
			}
			table := events.NewTable()
			for _, mode := range []struct {
				name string
				opt  perfevent.Option
			}{
				{"thread", perfevent.SetDomain(perfevent.DomainUser)},
				{"kernel", perfevent.SetDomain(perfevent.DomainKernel)},
				{"multiplex", perfevent.Multiplex()},
				{"inherit", perfevent.SetInherit(true)},
			} {
				ctx := b.InitThread(table)
				err := b.NewControl().SetOption(ctx, mode.opt)
				ctx.Shutdown()
				status := "ok"
				if err != nil {
					status = err.Error()
				}
				fmt.Fprintf(out, "%-11s %s\n", mode.name+":", status)
			}
			return nil
		},
	}
}
