// Package store persists compiled programs: a CBOR image format for
// single programs and a SQLite-backed store that keeps many of them.
package store

// ImageVersion is the version written into every program image.
const ImageVersion = 1

// Image is the serialized form of a vm.Program. Runtime state (inline
// caches, loop counters, compiled loops) is not part of an image; a
// restored program starts cold.
type Image struct {
	Version   int             `cbor:"1,keyasint"`
	ID        [16]byte        `cbor:"2,keyasint"`
	Name      string          `cbor:"3,keyasint"`
	Functions []FunctionImage `cbor:"4,keyasint"`
}

// FunctionImage is one vm.Function.
type FunctionImage struct {
	Name       string    `cbor:"1,keyasint"`
	Shape      uint8     `cbor:"2,keyasint"`
	NumParams  int       `cbor:"3,keyasint"`
	NumLocals  int       `cbor:"4,keyasint"`
	NumCells   int       `cbor:"5,keyasint,omitempty"`
	ParamCells []int     `cbor:"6,keyasint,omitempty"`
	Code       CodeImage `cbor:"7,keyasint"`
}

// CodeImage is one vm.Code.
type CodeImage struct {
	Instrs    []InstrImage   `cbor:"1,keyasint"`
	Consts    []ConstImage   `cbor:"2,keyasint,omitempty"`
	Labels    []LabelImage   `cbor:"3,keyasint,omitempty"`
	Handlers  []HandlerImage `cbor:"4,keyasint,omitempty"`
	Switches  []SwitchImage  `cbor:"5,keyasint,omitempty"`
	Loops     []LoopImage    `cbor:"6,keyasint,omitempty"`
	CallSites []SiteImage    `cbor:"7,keyasint,omitempty"`
	MaxStack  int            `cbor:"8,keyasint"`
	MaxCont   int            `cbor:"9,keyasint,omitempty"`
}

// InstrImage is one instruction, encoded as a three-element array.
type InstrImage struct {
	_  struct{} `cbor:",toarray"`
	Op uint8
	A  int32
	B  int32
}

// ConstImage is one constant. Bits holds the integer, the IEEE-754 bits
// of a float, or 0/1 for a bool; Str holds a string.
type ConstImage struct {
	_    struct{} `cbor:",toarray"`
	Kind uint8
	Bits uint64
	Str  string
}

// LabelImage is one runtime label.
type LabelImage struct {
	_     struct{} `cbor:",toarray"`
	Index int
	Stack int
	Cont  int
}

// HandlerImage is one protected region.
type HandlerImage struct {
	Kind    uint8  `cbor:"1,keyasint"`
	Start   int    `cbor:"2,keyasint"`
	End     int    `cbor:"3,keyasint"`
	Target  int    `cbor:"4,keyasint"`
	Filter  string `cbor:"5,keyasint,omitempty"`
	Stack   int    `cbor:"6,keyasint"`
	Cont    int    `cbor:"7,keyasint"`
	Capture bool   `cbor:"8,keyasint,omitempty"`
}

// SwitchImage is one switch table.
type SwitchImage struct {
	Values  []int64 `cbor:"1,keyasint"`
	Labels  []int   `cbor:"2,keyasint"`
	Default int     `cbor:"3,keyasint"`
}

// LoopImage is one loop range.
type LoopImage struct {
	_     struct{} `cbor:",toarray"`
	Start int
	End   int
}

// SiteImage is one call site.
type SiteImage struct {
	_    struct{} `cbor:",toarray"`
	Name string
	Argc int
}
