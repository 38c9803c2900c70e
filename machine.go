// Package gmach is a G-Machine: a stack-based graph-reduction bytecode
// interpreter for a lazy functional computation model.
//
// A precompiled program — a flat list of supercombinators, each carrying
// its instruction body — is loaded into a heap of tagged nodes, and the
// distinguished entry supercombinator is reduced to weak-head normal form.
// The heap, the evaluator and the copying collector are one tightly
// coupled triple: allocation interrupts the evaluator at well-defined
// safe-points, the evaluator's root set is fully enumerable at those
// points, and the collector rewrites the program counter because
// supercombinators are themselves heap objects.
package gmach

// ═══════════════════════════════════════════════════════════════════════════
// G-MACHINE EVALUATOR
// ═══════════════════════════════════════════════════════════════════════════
//
// State: a value stack of node references, a program counter into the
// current supercombinator's instruction words, the globals table, and a
// dump depth (incremented by Eval, decremented on each return through a
// Dump) that checks Dump nesting.
//
// Dispatch is a tight tagged-dispatch loop (the portable stand-in for
// computed goto), with an inner tag-dispatch loop for
// Unwind. Every handler that allocates is a GC safe-point; handlers that
// only rearrange the stack never allocate.
//
// The evaluator seeds the stack with a single fresh Indirect(nil) result
// cell before entering the entry supercombinator. The conventional
// "Update 0, Unwind" epilogue of an arity-0 entry rewrites that cell, so
// the entry Supercomb node itself is never the target of an Update. The
// node named by currSC therefore always keeps the Supercomb tag, which
// the collector relies on to treat the program counter as an offset into
// its instruction buffer.

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultStackSize is the value stack capacity when none is configured.
const DefaultStackSize = 1024

// Machine is a single-threaded G-Machine instance. It owns its heap; the
// stack, globals table and program counter are non-owning references into
// it and form the collector's root set.
type Machine struct {
	heap    *Heap
	globals []addr

	stack []addr
	sp    int

	pc        addr // word index of the next instruction
	currSC    addr // the Supercomb node pc points into
	dumpDepth int64

	forceGC bool
	stats   Stats
	tracer  *Tracer
	log     logrus.FieldLogger

	// onPrim observes every retired integer primitive. Test hook.
	onPrim func(op Opcode, a, b int64)
}

// Stats are the evaluator's retirement and storage counters.
type Stats struct {
	Steps          uint64
	Allocations    uint64
	WordsAllocated uint64
	Collections    uint64
	WordsCopied    uint64
	PrimAdds       uint64
	PrimSubs       uint64
	PrimLts        uint64
	MaxStackDepth  int
}

func (s Stats) String() string {
	return fmt.Sprintf(`G-Machine Statistics:
  Instructions retired: %d
  Allocations: %d (%s)
  Collections: %d (%s copied)
  Primitives: %d add, %d sub, %d lt
  Max stack depth: %d
`,
		s.Steps,
		s.Allocations,
		humanize.IBytes(s.WordsAllocated*8),
		s.Collections,
		humanize.IBytes(s.WordsCopied*8),
		s.PrimAdds,
		s.PrimSubs,
		s.PrimLts,
		s.MaxStackDepth,
	)
}

// Stats returns a snapshot of the machine's counters.
func (m *Machine) Stats() Stats {
	return m.stats
}

// SetTracer installs (or, with nil, removes) a per-instruction tracer.
func (m *Machine) SetTracer(t *Tracer) {
	m.tracer = t
}

// Close releases the heap arena. The machine is dead afterwards.
func (m *Machine) Close() error {
	return m.heap.Close()
}

// ───────────────────────────────────────────────────────────────────────────
// Stack discipline
// ───────────────────────────────────────────────────────────────────────────

//go:inline
func (m *Machine) push(a addr) error {
	if m.sp == len(m.stack) {
		return errors.Wrapf(ErrStackOverflow,
			"capacity %d nodes; consider enlarging the stack", len(m.stack))
	}
	m.stack[m.sp] = a
	m.sp++
	if m.sp > m.stats.MaxStackDepth {
		m.stats.MaxStackDepth = m.sp
	}
	return nil
}

// allocNode is the single allocation safe-point: bump first, and only on
// would-overflow (or in forced-collection mode) hand the pending request
// to the collector.
func (m *Machine) allocNode(n addr) (addr, error) {
	m.stats.Allocations++
	m.stats.WordsAllocated += uint64(n)
	a, ok := m.heap.Allocate(n)
	if ok && !m.forceGC {
		return a, nil
	}
	return m.collect(n)
}

// ───────────────────────────────────────────────────────────────────────────
// Dispatch loop
// ───────────────────────────────────────────────────────────────────────────

// Run evaluates until the stack holds exactly one non-reducible value.
// Any returned error is fatal; the machine must not be resumed.
func (m *Machine) Run() error {
	h := m.heap
	for {
		in := h.instrAt(m.pc)
		if m.tracer != nil {
			m.tracer.dispatch(m, in)
		}
		m.pc++
		m.stats.Steps++

		switch in.Op {
		case OpMkAp:
			w, err := m.allocNode(wordsAp)
			if err != nil {
				return err
			}
			if m.sp < 2 {
				return errors.Wrap(ErrMalformedProgram, "MkAp on a short stack")
			}
			fn := m.stack[m.sp-1]
			arg := m.stack[m.sp-2]
			m.sp -= 2
			h.initAp(w, fn, arg)
			if err := m.push(w); err != nil {
				return err
			}

		case OpPrimIntAdd, OpPrimIntSub, OpPrimIntLt:
			if err := m.primInt(in.Op); err != nil {
				return err
			}

		case OpEval:
			d, err := m.allocNode(wordsDump)
			if err != nil {
				return err
			}
			if m.sp < 1 {
				return errors.Wrap(ErrMalformedProgram, "Eval on an empty stack")
			}
			x := m.stack[m.sp-1]
			m.sp--
			m.dumpDepth++
			h.initDump(d, m.sp, m.currSC, int32(m.pc-h.scCode(m.currSC)), m.dumpDepth)
			if err := m.push(d); err != nil {
				return err
			}
			if err := m.push(x); err != nil {
				return err
			}
			halted, err := m.unwind()
			if err != nil {
				return err
			}
			if halted {
				return m.halt()
			}

		case OpUnwind:
			halted, err := m.unwind()
			if err != nil {
				return err
			}
			if halted {
				return m.halt()
			}

		case OpPrimIntCond:
			if m.sp < 1 {
				return errors.Wrap(ErrMalformedProgram, "PrimIntCond on an empty stack")
			}
			x := m.stack[m.sp-1]
			m.sp--
			if h.tagOf(x) != tagInt {
				return errors.Wrapf(ErrMalformedProgram,
					"PrimIntCond against a %s node", h.tagOf(x))
			}
			if h.intVal(x) == 0 {
				if err := m.jump(in.Arg); err != nil {
					return err
				}
			}

		case OpJump:
			if err := m.jump(in.Arg); err != nil {
				return err
			}

		case OpPushInt:
			w, err := m.allocNode(wordsInt)
			if err != nil {
				return err
			}
			h.initInt(w, int64(in.Arg))
			if err := m.push(w); err != nil {
				return err
			}

		case OpPushLocal:
			k := int(in.Arg)
			if k < 0 || k >= m.sp {
				return errors.Wrapf(ErrMalformedProgram, "PushLocal %d beyond the stack", k)
			}
			if err := m.push(m.stack[m.sp-1-k]); err != nil {
				return err
			}

		case OpPushGlobal:
			k := int(in.Arg)
			if k < 0 || k >= len(m.globals) {
				return errors.Wrapf(ErrMalformedProgram, "PushGlobal %d beyond the globals table", k)
			}
			if err := m.push(m.globals[k]); err != nil {
				return err
			}

		case OpPop:
			k := int(in.Arg)
			if k < 0 || k > m.sp {
				return errors.Wrapf(ErrMalformedProgram, "Pop %d beyond the stack", k)
			}
			m.sp -= k

		case OpUpdate:
			k := int(in.Arg)
			if k < 0 || m.sp < k+2 {
				return errors.Wrapf(ErrMalformedProgram, "Update %d beyond the stack", k)
			}
			x := m.stack[m.sp-1]
			m.sp--
			target := m.stack[m.sp-1-k]
			if target == m.currSC {
				return errors.Wrapf(ErrMalformedProgram,
					"Update %d would rewrite the executing <Sc #%d>", k, h.scGlobalIndex(target))
			}
			h.initIndirect(target, x)

		case OpSlide:
			k := int(in.Arg)
			if k < 0 || m.sp < k+1 {
				return errors.Wrapf(ErrMalformedProgram, "Slide %d beyond the stack", k)
			}
			x := m.stack[m.sp-1]
			m.sp -= k + 1
			if err := m.push(x); err != nil {
				return err
			}

		case OpAlloc:
			n := addr(in.Arg)
			if n < 0 {
				return errors.Wrapf(ErrMalformedProgram, "Alloc %d", n)
			}
			if n == 0 {
				break
			}
			base, err := m.allocNode(n * wordsIndirect)
			if err != nil {
				return err
			}
			for i := addr(0); i < n; i++ {
				cell := base + i*wordsIndirect
				h.initIndirect(cell, addrNil)
				if err := m.push(cell); err != nil {
					return err
				}
			}

		default:
			return errors.Wrapf(ErrMalformedProgram, "invalid opcode %d at pc offset %d",
				uint8(in.Op), m.pc-1-h.scCode(m.currSC))
		}
	}
}

// jump retargets pc by d instructions relative to the jump instruction
// itself. pc has already advanced past it, hence the -1.
func (m *Machine) jump(d int32) error {
	target := m.pc - 1 + addr(d)
	code := m.heap.scCode(m.currSC)
	if target < code || target >= code+addr(m.heap.scNumInstr(m.currSC)) {
		return errors.Wrapf(ErrMalformedProgram,
			"jump to offset %d outside <Sc #%d>", target-code, m.heap.scGlobalIndex(m.currSC))
	}
	m.pc = target
	return nil
}

// primInt retires one of the integer primitives. With b on top and a
// below, the result is a op b. The result node is allocated before the
// operands are popped so they stay rooted across a collection.
func (m *Machine) primInt(op Opcode) error {
	h := m.heap
	w, err := m.allocNode(wordsInt)
	if err != nil {
		return err
	}
	if m.sp < 2 {
		return errors.Wrapf(ErrMalformedProgram, "%s on a short stack", op)
	}
	b := m.stack[m.sp-1]
	a := m.stack[m.sp-2]
	if h.tagOf(a) != tagInt || h.tagOf(b) != tagInt {
		return errors.Wrapf(ErrMalformedProgram,
			"%s against %s and %s nodes", op, h.tagOf(a), h.tagOf(b))
	}
	av, bv := h.intVal(a), h.intVal(b)
	m.sp -= 2

	var r int64
	switch op {
	case OpPrimIntAdd:
		r = av + bv
		m.stats.PrimAdds++
	case OpPrimIntSub:
		r = av - bv
		m.stats.PrimSubs++
	case OpPrimIntLt:
		if av < bv {
			r = 1
		}
		m.stats.PrimLts++
	}
	if m.onPrim != nil {
		m.onPrim(op, av, bv)
	}
	h.initInt(w, r)
	return m.push(w)
}

// ───────────────────────────────────────────────────────────────────────────
// Unwind
// ───────────────────────────────────────────────────────────────────────────

// unwind walks the spine of the top-of-stack expression to its head and
// dispatches on its tag: apply a supercombinator, return through a Dump,
// or halt at weak-head normal form. halted is true only when the stack
// holds exactly the final value.
func (m *Machine) unwind() (halted bool, err error) {
	h := m.heap
	if m.sp == 0 {
		return false, errors.Wrap(ErrMalformedProgram, "Unwind on an empty stack")
	}
	x := m.stack[m.sp-1]
	for {
		if x == addrNil {
			return false, errors.Wrap(ErrMalformedProgram,
				"Unwind reached an unfilled recursive-let cell")
		}
		switch h.tagOf(x) {
		case tagInt:
			// Weak-head normal form.
			if m.sp == 1 {
				return true, nil
			}
			d := m.stack[m.sp-2]
			if h.tagOf(d) != tagDump {
				return false, errors.Wrapf(ErrMalformedProgram,
					"value unwound over a %s node, expected a dump", h.tagOf(d))
			}
			if h.dumpDepth(d) != m.dumpDepth {
				return false, errors.Wrapf(ErrMalformedProgram,
					"dump depth %d, machine at %d", h.dumpDepth(d), m.dumpDepth)
			}
			m.dumpDepth--
			m.currSC = h.dumpSavedSc(d)
			m.pc = h.scCode(m.currSC) + addr(h.dumpPcOffset(d))
			m.sp = h.dumpSavedSP(d)
			if err := m.push(x); err != nil {
				return false, err
			}
			return false, nil

		case tagAp:
			x = h.apFunc(x)
			if err := m.push(x); err != nil {
				return false, err
			}

		case tagIndirect:
			x = h.indirectDest(x)
			m.stack[m.sp-1] = x

		case tagSupercomb:
			arity := int(h.scArity(x))
			if m.sp < arity+1 {
				return false, errors.Wrapf(ErrMalformedProgram,
					"not enough arguments for <Sc #%d>: arity %d, %d on the stack",
					h.scGlobalIndex(x), arity, m.sp-1)
			}
			// Rearrange: locals name argument values, not spine Ap nodes.
			for i := 0; i < arity; i++ {
				spine := m.stack[m.sp-2-i]
				if h.tagOf(spine) != tagAp {
					return false, errors.Wrapf(ErrMalformedProgram,
						"spine of <Sc #%d> holds a %s node", h.scGlobalIndex(x), h.tagOf(spine))
				}
				m.stack[m.sp-1-i] = h.apArg(spine)
			}
			m.currSC = x
			m.pc = h.scCode(x)
			return false, nil

		case tagDump:
			return false, errors.Wrap(ErrMalformedProgram,
				"dump node unwound: possibly stack underflow")

		default:
			return false, errors.Wrapf(ErrMalformedProgram,
				"Unwind on an invalid node tag %d", uint8(h.tagOf(x)))
		}
	}
}

// halt is the clean exit path: stack of exactly one value, no pending
// dumps.
func (m *Machine) halt() error {
	if m.dumpDepth != 0 {
		return errors.Wrapf(ErrMalformedProgram, "halted with %d pending dumps", m.dumpDepth)
	}
	if m.log != nil {
		m.log.WithFields(logrus.Fields{
			"steps":       m.stats.Steps,
			"collections": m.stats.Collections,
		}).Debug("machine halted")
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Inspection
// ───────────────────────────────────────────────────────────────────────────

// Result returns the integer halt value. Valid only after Run returned
// nil.
func (m *Machine) Result() (int64, error) {
	if m.sp != 1 {
		return 0, errors.Errorf("machine not halted: %d stack entries", m.sp)
	}
	top := m.stack[m.sp-1]
	if m.heap.tagOf(top) != tagInt {
		return 0, errors.Errorf("halt value is a %s node", m.heap.tagOf(top))
	}
	return m.heap.intVal(top), nil
}

// TopNode renders the top of the stack the way the tracer does.
func (m *Machine) TopNode() string {
	if m.sp == 0 {
		return "<empty>"
	}
	return m.renderNode(m.stack[m.sp-1])
}

// renderNode is the one-token node rendering shared by the tracer and the
// final-state report.
func (m *Machine) renderNode(a addr) string {
	if a == addrNil {
		return "nil"
	}
	h := m.heap
	switch h.tagOf(a) {
	case tagInt:
		return fmt.Sprintf("%d", h.intVal(a))
	case tagAp:
		return "Ap"
	case tagIndirect:
		return "Ind"
	case tagSupercomb:
		return fmt.Sprintf("Sc #%d", h.scGlobalIndex(a))
	case tagDump:
		return fmt.Sprintf("Dump #%d", h.dumpDepth(a))
	default:
		return fmt.Sprintf("<tag %d>", uint8(h.tagOf(a)))
	}
}

// renderStack lists the stack top-down, stopping after the first Dump.
func (m *Machine) renderStack() string {
	var b strings.Builder
	for i := m.sp - 1; i >= 0; i-- {
		if i != m.sp-1 {
			b.WriteByte(',')
		}
		a := m.stack[i]
		b.WriteString(m.renderNode(a))
		if a != addrNil && m.heap.tagOf(a) == tagDump {
			break
		}
	}
	return b.String()
}
