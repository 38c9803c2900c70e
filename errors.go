package gmach

import "github.com/pkg/errors"

// The interpreter's failure kinds. All of them are fatal at the machine
// boundary: once Run or Load returns one of these the machine must not be
// resumed. Callers classify with errors.Is; the wrapped messages carry the
// specifics (offending supercombinator, requested sizes, stream position).
var (
	// ErrLoad — malformed or truncated bytecode stream.
	ErrLoad = errors.New("load error")

	// ErrHeapInit — the heap arena could not be created, or the program
	// did not fit into it while loading.
	ErrHeapInit = errors.New("heap init error")

	// ErrOutOfHeap — a collection completed and still could not satisfy
	// the pending allocation.
	ErrOutOfHeap = errors.New("out of heap")

	// ErrStackOverflow — a push on a full interpreter stack.
	ErrStackOverflow = errors.New("interpreter stack overflow")

	// ErrMalformedProgram — the bytecode did something a compiled,
	// type-checked program never does: partial application under Unwind,
	// Unwind reaching a Dump, a primitive or Update against a node of the
	// wrong tag.
	ErrMalformedProgram = errors.New("malformed program")
)
