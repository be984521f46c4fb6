package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/chazu/tern/vm"
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		limit   int
		repeat  int
		timeout time.Duration
		stats   bool
		metrics bool
	)
	cmd := &cobra.Command{
		Use:   "run PROGRAM [ARG...]",
		Short: "Run a stored program or an image file",
		Long: `Run a program from the store (by ID, ID prefix or name) or from an
image file. Arguments are parsed as integers, floats, booleans or nil when
they look like one, and passed as strings otherwise. Generators print
every value they produce.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()

			p, err := c.loadProgram(rt, args[0])
			if err != nil {
				return err
			}
			vals := make([]vm.Value, len(args)-1)
			for i, a := range args[1:] {
				vals[i] = parseArg(a)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			for i := 0; i < max(repeat, 1); i++ {
				if err := runOnce(ctx, c, p, vals, limit); err != nil {
					return err
				}
			}
			rt.Tierer().Flush()

			if stats {
				printStats(c, rt, p)
			}
			if metrics {
				families, err := rt.Metrics().Registry.Gather()
				if err != nil {
					return fmt.Errorf("gathering metrics: %w", err)
				}
				for _, mf := range families {
					if _, err := expfmt.MetricFamilyToText(c.out, mf); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "stop a generator after this many values (0: no limit)")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "run the program this many times")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel the program after this long")
	cmd.Flags().BoolVar(&stats, "stats", false, "print tiering and inline cache statistics")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "print runtime metrics in Prometheus text format")
	return cmd
}

func runOnce(ctx context.Context, c *cli, p *vm.Program, args []vm.Value, limit int) error {
	if p.Entry().Shape == vm.ShapeFunction {
		v, err := p.Run(ctx, args...)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, v)
		return nil
	}

	g, err := p.MakeGenerator(ctx, args...)
	if err != nil {
		return err
	}
	vals, err := g.Drain(limit)
	for _, v := range vals {
		fmt.Fprintln(c.out, v)
	}
	return err
}

func printStats(c *cli, rt *vm.Runtime, p *vm.Program) {
	ts := rt.Tierer().Stats()
	fmt.Fprintf(c.out, "loops compiled: %d, rejected: %d, dropped: %d, compile time: %s\n",
		ts.LoopsCompiled, ts.LoopsRejected, ts.QueueDropped, ts.CompilationTime)
	ic := vm.CollectICStats(p)
	fmt.Fprintf(c.out, "call sites: %d (mono %d, poly %d, mega %d, unused %d), hit rate %.1f%%\n",
		ic.TotalCallSites, ic.Monomorphic, ic.Polymorphic, ic.Megamorphic, ic.Empty, ic.HitRate)
}

// parseArg converts a command-line argument to a value.
func parseArg(s string) vm.Value {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return vm.FromInt(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return vm.FromFloat64(f)
	}
	switch s {
	case "true":
		return vm.True
	case "false":
		return vm.False
	case "nil":
		return vm.Nil
	}
	return vm.FromString(s)
}
