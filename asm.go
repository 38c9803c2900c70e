package gmach

// ═══════════════════════════════════════════════════════════════════════════
// PROGRAM ENCODER & DISASSEMBLER
// ═══════════════════════════════════════════════════════════════════════════
//
// EncodeProgram is the exact inverse of the loader: an instruction
// without an argument occupies one byte on the wire, with an argument
// five. Disassemble walks the loaded globals table and lists every
// supercombinator's decoded body.

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// ScSource is one supercombinator of an in-memory program, in declaration
// order; index 0 is the entry point.
type ScSource struct {
	Arity int32
	Code  []Instr
}

// EncodeProgram writes scs in the big-endian bytecode format.
func EncodeProgram(w io.Writer, scs []ScSource) error {
	if err := writeInt32(w, int32(len(scs))); err != nil {
		return err
	}
	for i, sc := range scs {
		if err := writeInt32(w, sc.Arity); err != nil {
			return err
		}
		if err := writeInt32(w, int32(len(sc.Code))); err != nil {
			return err
		}
		for _, in := range sc.Code {
			if !in.Op.Valid() {
				return errors.Errorf("supercombinator #%d: invalid opcode %d", i, uint8(in.Op))
			}
			if _, err := w.Write([]byte{byte(in.Op)}); err != nil {
				return err
			}
			if in.Op.HasArg() {
				if err := writeInt32(w, in.Arg); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func writeInt32(w io.Writer, v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

// Disassemble lists every loaded supercombinator with its decoded
// instruction body.
func (m *Machine) Disassemble(w io.Writer) error {
	h := m.heap
	for i, sc := range m.globals {
		n := h.scNumInstr(sc)
		if _, err := fmt.Fprintf(w, "Sc #%d arity=%d numInstr=%d\n",
			i, h.scArity(sc), n); err != nil {
			return err
		}
		code := h.scCode(sc)
		for j := addr(0); j < addr(n); j++ {
			in := h.instrAt(code + j)
			if in.Op.HasArg() {
				_, err := fmt.Fprintf(w, "  %4d: %s %d\n", j, in.Op, in.Arg)
				if err != nil {
					return err
				}
			} else if _, err := fmt.Fprintf(w, "  %4d: %s\n", j, in.Op); err != nil {
				return err
			}
		}
	}
	return nil
}

// scSources rebuilds the in-memory program from the loaded heap, the
// loader's inverse used by the round-trip tests.
func (m *Machine) scSources() []ScSource {
	h := m.heap
	out := make([]ScSource, len(m.globals))
	for i, sc := range m.globals {
		n := h.scNumInstr(sc)
		code := make([]Instr, n)
		base := h.scCode(sc)
		for j := range code {
			code[j] = h.instrAt(base + addr(j))
		}
		out[i] = ScSource{Arity: int32(h.scArity(sc)), Code: code}
	}
	return out
}
