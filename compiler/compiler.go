// Package compiler lowers ast trees to vm programs.
//
// Compilation of a lambda runs in three stages: flow-control lowering
// (jumps out of finally blocks), generator lowering for generator-shaped
// lambdas, and code generation. Nested lambdas go through the same stages
// independently and become further functions of the same program.
package compiler

import (
	"errors"
	"fmt"

	"github.com/chazu/tern/ast"
	"github.com/chazu/tern/vm"
	"github.com/hashicorp/go-multierror"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("tern.compiler")

// Compilation errors. Build wraps them, so test with errors.Is.
var (
	ErrJumpIntoTry           = errors.New("jump into a protected region")
	ErrJumpOutOfFault        = errors.New("jump out of a fault block")
	ErrNonVoidTryFlowControl = errors.New("jump out of the finally block of a non-void try")
	ErrUndefinedLabel        = errors.New("jump to a label that is never placed")
	ErrDuplicateLabel        = errors.New("label placed more than once")
	ErrUndeclaredVariable    = errors.New("undeclared variable")
	ErrYieldOutsideGenerator = errors.New("yield outside a generator")
	ErrRethrowOutsideCatch   = errors.New("rethrow outside a catch body")
	ErrFinallyAndFault       = errors.New("try has both finally and fault")
	ErrInvalidTree           = errors.New("invalid tree")
)

// Build compiles fn and every lambda nested in it into a program bound to
// rt. All problems found are reported together.
func Build(rt *vm.Runtime, fn *ast.Lambda) (*vm.Program, error) {
	c := NewCompiler()
	c.compileFunction(fn, nil)
	if err := c.Err(); err != nil {
		return nil, err
	}
	name := lambdaName(fn)
	p := vm.NewProgram(rt, name, c.functions)
	log.Infof("built %s (%s): %d functions", name, p.ID, len(c.functions))
	return p, nil
}

// Compiler accumulates the functions of one program.
type Compiler struct {
	functions []*vm.Function
	errs      *multierror.Error
}

// NewCompiler creates an empty compiler.
func NewCompiler() *Compiler {
	return &Compiler{}
}

// Err returns the accumulated compilation errors, or nil.
func (c *Compiler) Err() error {
	return c.errs.ErrorOrNil()
}

// errorf records a compilation error wrapping kind.
func (c *Compiler) errorf(kind error, format string, args ...any) {
	c.errs = multierror.Append(c.errs, fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...)))
}

func (c *Compiler) appendErr(err error) {
	c.errs = multierror.Append(c.errs, err)
}

// Lower applies the tree rewrites to fn without generating code. Nested
// lambdas are left as they are.
func Lower(fn *ast.Lambda) (*ast.Lambda, error) {
	if fn.Shape == ast.Function && ast.HasYield(fn.Body) {
		return nil, fmt.Errorf("%w in %s", ErrYieldOutsideGenerator, lambdaName(fn))
	}
	if err := checkTries(fn); err != nil {
		return nil, err
	}
	lowered, err := lowerFlowControl(fn)
	if err != nil {
		return nil, err
	}
	if fn.Shape != ast.Function {
		lowered = lowerGenerator(lowered)
	}
	return lowered, nil
}

// checkTries rejects try nodes that cannot be compiled.
func checkTries(fn *ast.Lambda) error {
	var merr *multierror.Error
	inspectOwn(fn.Body, func(n ast.Node) {
		t, ok := n.(*ast.Try)
		if !ok {
			return
		}
		if t.Finally != nil && t.Fault != nil {
			merr = multierror.Append(merr, ErrFinallyAndFault)
		}
		if t.Body == nil {
			merr = multierror.Append(merr, fmt.Errorf("%w: try without body", ErrInvalidTree))
		}
	})
	return merr.ErrorOrNil()
}

func toShape(s ast.Shape) vm.FunctionShape {
	switch s {
	case ast.Generator:
		return vm.ShapeGenerator
	case ast.Iterable:
		return vm.ShapeIterable
	}
	return vm.ShapeFunction
}
