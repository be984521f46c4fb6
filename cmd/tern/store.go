package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chazu/tern/store"
)

func newStoreCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage the program store",
	}
	cmd.AddCommand(
		newStoreListCmd(c),
		newStoreImportCmd(c),
		newStoreExportCmd(c),
		newStoreDeleteCmd(c),
	)
	return cmd
}

// withStore opens the store for the duration of fn.
func (c *cli) withStore(fn func(*store.Store) error) error {
	s, err := c.openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func newStoreListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored programs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(func(s *store.Store) error {
				entries, err := s.List()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSIZE\tCREATED")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", e.ID, e.Name, e.Size, e.Created.Format("2006-01-02 15:04:05"))
				}
				return w.Flush()
			})
		},
	}
}

func newStoreImportCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE...",
		Short: "Validate image files and add them to the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()

			return c.withStore(func(s *store.Store) error {
				for _, path := range args {
					data, err := os.ReadFile(path)
					if err != nil {
						return err
					}
					p, err := store.UnmarshalProgram(rt, data)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					if err := s.SaveImage(p.ID, p.Name, data); err != nil {
						return err
					}
					fmt.Fprintf(c.out, "%s %s\n", p.ID, p.Name)
				}
				return nil
			})
		},
	}
}

func newStoreExportCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export PROGRAM",
		Short: "Write a stored program to an image file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(func(s *store.Store) error {
				id, err := s.Resolve(args[0])
				if err != nil {
					return err
				}
				data, err := s.Image(id)
				if err != nil {
					return err
				}
				path := output
				if path == "" {
					path = id.String() + ".tern"
				}
				if err := os.WriteFile(path, data, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%s -> %s\n", id, path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "image file to write (default: ID.tern)")
	return cmd
}

func newStoreDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete PROGRAM...",
		Short: "Remove programs from the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(func(s *store.Store) error {
				for _, ref := range args {
					id, err := s.Resolve(ref)
					if err != nil {
						return err
					}
					if err := s.Delete(id); err != nil {
						return err
					}
					fmt.Fprintf(c.out, "deleted %s\n", id)
				}
				return nil
			})
		},
	}
}
