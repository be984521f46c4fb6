package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chazu/tern/vm"
)

func newDisasmCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "disasm PROGRAM",
		Short: "Print the bytecode of a stored program or an image file",
		Args:  cobra.ExactArgs(1),
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
			fmt.Fprintf(c.out, "program %s (%s)\n", p.Name, p.ID)
			for i, fn := range p.Functions {
				disasmFunction(c, i, fn)
			}
			return nil
		},
	}
}

func disasmFunction(c *cli, index int, fn *vm.Function) {
	fmt.Fprintf(c.out, "\nfunction %d: %s %s params=%d locals=%d cells=%d stack=%d cont=%d\n",
		index, fn.Name, fn.Shape, fn.NumParams, fn.NumLocals, fn.NumCells, fn.Code.MaxStack, fn.Code.MaxCont)
	fmt.Fprintln(c.out, vm.Disassemble(fn.Code))
}
