package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chazu/tern/compiler"
	"github.com/chazu/tern/store"
)

func newSamplesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "samples",
		Short: "List the built-in sample programs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPARAMS\tDESCRIPTION")
			for _, s := range samples {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.name, s.params, s.doc)
			}
			return w.Flush()
		},
	}
}

func newCompileCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "compile SAMPLE...",
		Short: "Compile sample programs into the store or an image file",
		Long: `Compile built-in sample programs. Each program is saved into the program
store unless --output names an image file, in which case exactly one
sample may be given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "" && len(args) != 1 {
				return fmt.Errorf("--output takes exactly one sample, got %d", len(args))
			}
			rt, err := c.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()

			var s *store.Store
			if output == "" {
				if s, err = c.openStore(); err != nil {
					return err
				}
				defer s.Close()
			}

			for _, name := range args {
				sm, ok := findSample(name)
				if !ok {
					return fmt.Errorf("unknown sample %q (see 'tern samples')", name)
				}
				p, err := compiler.Build(rt, sm.build())
				if err != nil {
					return fmt.Errorf("compiling %s: %w", name, err)
				}

				if output != "" {
					data, err := store.MarshalProgram(p)
					if err != nil {
						return err
					}
					if err := os.WriteFile(output, data, 0o644); err != nil {
						return err
					}
					fmt.Fprintf(c.out, "%s %s -> %s\n", p.ID, p.Name, output)
					continue
				}
				if err := s.Save(p); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%s %s\n", p.ID, p.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write an image file instead of saving into the store")
	return cmd
}
