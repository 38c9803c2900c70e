package gmach

// ═══════════════════════════════════════════════════════════════════════════
// LOADER
// ═══════════════════════════════════════════════════════════════════════════
//
// Decodes the big-endian bytecode stream into the initial heap:
//
//   numSupercombs : int32
//   per supercombinator:
//     arity    : int32
//     numInstr : int32
//     per instruction:
//       opcode : uint8
//       oparg  : int32   (present only when the opcode takes one)
//
// Supercombinators live in the heap proper, not a separate arena; a
// declaration's position is its globalIndex. Supercomb #0 is the entry
// point. There is no magic number and no version header: anything
// unexpected is a load error at read time.

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Load decodes a program from r into a fresh machine. On error nothing is
// left mapped.
func Load(r io.Reader, cfg Config, log logrus.FieldLogger) (*Machine, error) {
	h, err := OpenHeap(cfg.HeapSize)
	if err != nil {
		return nil, err
	}
	m, err := load(bufio.NewReader(r), h, cfg, log)
	if err != nil {
		h.Close()
		return nil, err
	}
	return m, nil
}

func load(br *bufio.Reader, h *Heap, cfg Config, log logrus.FieldLogger) (*Machine, error) {
	if cfg.StackSize < 1 {
		return nil, errors.Wrapf(ErrHeapInit, "stack size %d", cfg.StackSize)
	}

	numSC, err := readInt32(br)
	if err != nil {
		return nil, errors.Wrap(ErrLoad, err.Error())
	}
	if numSC < 1 {
		return nil, errors.Wrapf(ErrLoad, "%d supercombinators, no entry point", numSC)
	}
	if numSC > math.MaxInt16 {
		return nil, errors.Wrapf(ErrLoad, "%d supercombinators", numSC)
	}

	globals := make([]addr, numSC)
	for i := int32(0); i < numSC; i++ {
		sc, err := readSc(br, h, int16(i))
		if err != nil {
			return nil, errors.Wrapf(err, "supercombinator #%d", i)
		}
		globals[i] = sc
	}

	// The result cell: the stack's only initial content, and the target
	// of the entry supercombinator's closing Update 0.
	root, ok := h.Allocate(wordsIndirect)
	if !ok {
		return nil, errors.Wrap(ErrHeapInit, "heap exhausted when building initial state")
	}
	h.initIndirect(root, addrNil)

	m := &Machine{
		heap:    h,
		globals: globals,
		stack:   make([]addr, cfg.StackSize),
		currSC:  globals[0],
		pc:      h.scCode(globals[0]),
		forceGC: cfg.ForceGC,
		log:     log,
	}
	m.stack[0] = root
	m.sp = 1

	if log != nil {
		log.WithFields(logrus.Fields{
			"supercombs": numSC,
			"heapUsed":   int(h.usedWords()) * 8,
		}).Debug("program loaded")
	}
	return m, nil
}

func readSc(br *bufio.Reader, h *Heap, globalIndex int16) (addr, error) {
	arity, err := readInt32(br)
	if err != nil {
		return 0, errors.Wrap(ErrLoad, err.Error())
	}
	if arity < 0 || arity > math.MaxInt16 {
		return 0, errors.Wrapf(ErrLoad, "arity %d", arity)
	}
	numInstr, err := readInt32(br)
	if err != nil {
		return 0, errors.Wrap(ErrLoad, err.Error())
	}
	if numInstr < 0 || addr(numInstr) > h.semiWords-wordsScPrefix {
		return 0, errors.Wrapf(ErrLoad, "%d instructions", numInstr)
	}

	code := make([]Instr, numInstr)
	for j := range code {
		code[j], err = readInstr(br)
		if err != nil {
			return 0, errors.Wrapf(err, "instruction %d", j)
		}
	}

	// Load-time allocation never collects: an overflow here means the
	// program cannot fit at all.
	sc, ok := h.Allocate(wordsScPrefix + addr(numInstr))
	if !ok {
		return 0, errors.Wrap(ErrHeapInit, "heap exhausted when building initial state")
	}
	h.initSc(sc, int16(arity), globalIndex, code)
	return sc, nil
}

func readInstr(br *bufio.Reader) (Instr, error) {
	b, err := br.ReadByte()
	if err != nil {
		return Instr{}, errors.Wrap(ErrLoad, err.Error())
	}
	op := Opcode(b)
	if !op.Valid() {
		return Instr{}, errors.Wrapf(ErrLoad, "invalid opcode %d", b)
	}
	in := Instr{Op: op}
	if op.HasArg() {
		in.Arg, err = readInt32(br)
		if err != nil {
			return Instr{}, errors.Wrap(ErrLoad, err.Error())
		}
	}
	return in, nil
}

func readInt32(br *bufio.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(br, buf[:]); err != nil {
		return 0, errors.Wrapf(err, "truncated stream")
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}
