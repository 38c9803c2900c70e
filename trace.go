package gmach

import (
	"fmt"
	"io"
)

// Tracer emits one line per dispatched instruction: the opcode, its
// argument when it has one, and the stack rendered top-down to the first
// Dump.
type Tracer struct {
	w io.Writer
}

func NewTracer(w io.Writer) *Tracer {
	return &Tracer{w: w}
}

func (t *Tracer) dispatch(m *Machine, in Instr) {
	if in.Op.HasArg() {
		fmt.Fprintf(t.w, "Instr=(%s %d), stack(lhs is top)=[%s]\n",
			in.Op, in.Arg, m.renderStack())
	} else {
		fmt.Fprintf(t.w, "Instr=(%s), stack(lhs is top)=[%s]\n",
			in.Op, m.renderStack())
	}
}
