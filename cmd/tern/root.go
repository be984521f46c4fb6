package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/tern/config"
	"github.com/chazu/tern/store"
	"github.com/chazu/tern/vm"
)

var log = commonlog.GetLogger("tern.cli")

// cli holds the state shared by every subcommand.
type cli struct {
	configDir string
	storePath string
	verbose   int

	cfg *config.Config
	out io.Writer
}

// newRootCmd returns the root of the cobra command tree.
func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:           "tern",
		Short:         "tern runs compiled bytecode programs.",
		Long:          "tern compiles built-in sample programs to bytecode, keeps them in a program store, and runs or disassembles them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.out = cmd.OutOrStdout()
			return c.setup()
		},
	}

	rootCmd.PersistentFlags().StringVar(&c.configDir, "config", "",
		"directory containing tern.toml (default: search upwards from the working directory)")
	rootCmd.PersistentFlags().StringVar(&c.storePath, "store", "",
		"program store database (overrides the configured path)")
	rootCmd.PersistentFlags().CountVarP(&c.verbose, "verbose", "v",
		"increase log verbosity (repeatable)")

	rootCmd.AddCommand(
		newRunCmd(c),
		newDisasmCmd(c),
		newSamplesCmd(c),
		newCompileCmd(c),
		newStoreCmd(c),
	)
	return rootCmd
}

func (c *cli) setup() error {
	var err error
	if c.configDir != "" {
		c.cfg, err = config.Load(c.configDir)
	} else {
		var wd string
		if wd, err = os.Getwd(); err == nil {
			c.cfg, err = config.FindAndLoad(wd)
		}
	}
	if err != nil {
		return err
	}
	if c.cfg == nil {
		c.cfg = config.Default()
	}

	var logFile *string
	if c.cfg.Log.File != "" {
		logFile = &c.cfg.Log.File
	}
	commonlog.Configure(c.cfg.Log.Verbosity+c.verbose, logFile)
	if c.cfg.Dir != "" {
		log.Debugf("using configuration in %s", c.cfg.Dir)
	}
	return nil
}

// runtime creates a runtime from the configuration with the CLI host
// functions registered.
func (c *cli) runtime() (*vm.Runtime, error) {
	rt := vm.NewRuntime(c.cfg.RuntimeOptions())
	if err := registerHosts(rt, c.out); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (c *cli) openStore() (*store.Store, error) {
	path := c.storePath
	if path == "" {
		path = c.cfg.StorePath()
	}
	return store.Open(path)
}

// loadProgram loads ref from an image file when one exists at that path,
// otherwise from the store by ID, ID prefix or name.
func (c *cli) loadProgram(rt *vm.Runtime, ref string) (*vm.Program, error) {
	if fi, err := os.Stat(ref); err == nil && fi.Mode().IsRegular() {
		data, err := os.ReadFile(ref)
		if err != nil {
			return nil, err
		}
		p, err := store.UnmarshalProgram(rt, data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ref, err)
		}
		log.Debugf("loaded program %s (%s) from %s", p.Name, p.ID, ref)
		return p, nil
	}

	s, err := c.openStore()
	if err != nil {
		return nil, err
	}
	defer s.Close()
	id, err := s.Resolve(ref)
	if err != nil {
		if errors.Is(err, store.ErrProgramNotFound) {
			return nil, fmt.Errorf("no image file or stored program named %q", ref)
		}
		return nil, err
	}
	return s.Load(rt, id)
}
