// Package vm implements the tern bytecode engine.
//
// This package contains:
//   - Tagged value representation and host value conversion
//   - The opcode table, instruction assembler and disassembler
//   - A stack interpreter with try/catch/finally/fault handlers
//   - Closures over arena cells and generator step functions
//   - Host function dispatch with specialized invokers and inline caches
//   - Loop tiering onto compiled fast paths
//   - Cooperative cancellation and runtime metrics
package vm
