package gmach

// ═══════════════════════════════════════════════════════════════════════════
// HEAP & ALLOCATOR
// ═══════════════════════════════════════════════════════════════════════════
//
// The heap is two contiguous semispaces of equal size inside one anonymous
// memory mapping, viewed as a flat []uint64. The allocator is a monotonic
// bump pointer inside from-space: Allocate is pure arithmetic and reports
// would-overflow instead of collecting; whoever called it decides what to
// do next. The mapping is released by Close.

import (
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// minHeapBytes is the smallest semispace OpenHeap accepts.
const minHeapBytes = 16 * 8

type Heap struct {
	mem   mmap.MMap // backing mapping, 2×semiWords×8 bytes
	words []uint64  // the mapping viewed as words

	semiWords addr // words per semispace
	fromBase  addr
	toBase    addr
	allocPtr  addr // next free word in from-space
	limit     addr // fromBase + semiWords
	copyPtr   addr // next free word in to-space, live only during GC
}

// OpenHeap maps an arena of two sizeBytes semispaces. sizeBytes must be a
// multiple of 8 and at least minHeapBytes.
func OpenHeap(sizeBytes int) (*Heap, error) {
	if sizeBytes < minHeapBytes || sizeBytes%8 != 0 {
		return nil, errors.Wrapf(ErrHeapInit,
			"semispace size %d must be a multiple of 8 and at least %d",
			sizeBytes, minHeapBytes)
	}
	mem, err := mmap.MapRegion(nil, 2*sizeBytes, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, errors.Wrapf(ErrHeapInit, "mapping %d bytes: %v", 2*sizeBytes, err)
	}
	semi := addr(sizeBytes / 8)
	return &Heap{
		mem:       mem,
		words:     unsafe.Slice((*uint64)(unsafe.Pointer(&mem[0])), len(mem)/8),
		semiWords: semi,
		fromBase:  0,
		toBase:    semi,
		allocPtr:  0,
		limit:     semi,
	}, nil
}

// Close unmaps the arena. The heap and every address into it are dead
// afterwards.
func (h *Heap) Close() error {
	if h.mem == nil {
		return nil
	}
	err := h.mem.Unmap()
	h.mem = nil
	h.words = nil
	return err
}

// Allocate bumps the from-space pointer by n words. It never collects:
// on would-overflow the pointer is left untouched and ok is false.
//
//go:inline
func (h *Heap) Allocate(n addr) (a addr, ok bool) {
	a = h.allocPtr
	if a+n > h.limit {
		return 0, false
	}
	h.allocPtr = a + n
	return a, true
}

// usedWords reports the occupied part of from-space.
//
//go:inline
func (h *Heap) usedWords() addr {
	return h.allocPtr - h.fromBase
}

// ───────────────────────────────────────────────────────────────────────────
// Header access
// ───────────────────────────────────────────────────────────────────────────

//go:inline
func (h *Heap) tagOf(a addr) tag {
	return tag(h.words[a] & 0xFF)
}

//go:inline
func (h *Heap) markOf(a addr) gcMark {
	return gcMark(h.words[a] >> 8 & 0xFF)
}

//go:inline
func (h *Heap) setMark(a addr, m gcMark) {
	h.words[a] = h.words[a]&^uint64(0xFF00) | uint64(m)<<8
}

// nodeSize is the full size of the node at a in words, reading the
// trailing-array length for the one variable-sized tag.
func (h *Heap) nodeSize(a addr) addr {
	t := h.tagOf(a)
	if t == tagSupercomb {
		_, _, numInstr := unpackScInfo(h.words[a+1])
		return wordsScPrefix + addr(numInstr)
	}
	return nodeSizeWords[t]
}

// ───────────────────────────────────────────────────────────────────────────
// Node constructors (initialize already-allocated cells)
// ───────────────────────────────────────────────────────────────────────────

//go:inline
func (h *Heap) initInt(a addr, v int64) {
	h.words[a] = packHeader(tagInt, markUnreachable)
	h.words[a+1] = uint64(v)
}

//go:inline
func (h *Heap) initAp(a, fn, arg addr) {
	h.words[a] = packHeader(tagAp, markUnreachable)
	h.words[a+1] = wordFromAddr(fn)
	h.words[a+2] = wordFromAddr(arg)
}

//go:inline
func (h *Heap) initIndirect(a, dest addr) {
	h.words[a] = packHeader(tagIndirect, markUnreachable)
	h.words[a+1] = wordFromAddr(dest)
}

//go:inline
func (h *Heap) initDump(a addr, savedSP int, savedSc addr, pcOffset int32, depth int64) {
	h.words[a] = packHeader(tagDump, markUnreachable)
	h.words[a+1] = uint64(savedSP)
	h.words[a+2] = wordFromAddr(savedSc)
	h.words[a+3] = uint64(uint32(pcOffset))
	h.words[a+4] = uint64(depth)
}

func (h *Heap) initSc(a addr, arity, globalIndex int16, code []Instr) {
	h.words[a] = packHeader(tagSupercomb, markUnreachable)
	h.words[a+1] = packScInfo(arity, globalIndex, int32(len(code)))
	for i, in := range code {
		h.words[a+wordsScPrefix+addr(i)] = packInstr(in)
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Field access
// ───────────────────────────────────────────────────────────────────────────

//go:inline
func (h *Heap) intVal(a addr) int64 {
	return int64(h.words[a+1])
}

//go:inline
func (h *Heap) apFunc(a addr) addr {
	return addrFromWord(h.words[a+1])
}

//go:inline
func (h *Heap) apArg(a addr) addr {
	return addrFromWord(h.words[a+2])
}

//go:inline
func (h *Heap) indirectDest(a addr) addr {
	return addrFromWord(h.words[a+1])
}

//go:inline
func (h *Heap) scArity(a addr) int16 {
	arity, _, _ := unpackScInfo(h.words[a+1])
	return arity
}

//go:inline
func (h *Heap) scGlobalIndex(a addr) int16 {
	_, gi, _ := unpackScInfo(h.words[a+1])
	return gi
}

//go:inline
func (h *Heap) scNumInstr(a addr) int32 {
	_, _, n := unpackScInfo(h.words[a+1])
	return n
}

// scCode is the address of the first instruction word.
//
//go:inline
func (h *Heap) scCode(a addr) addr {
	return a + wordsScPrefix
}

//go:inline
func (h *Heap) instrAt(a addr) Instr {
	return unpackInstr(h.words[a])
}

//go:inline
func (h *Heap) dumpSavedSP(a addr) int {
	return int(h.words[a+1])
}

//go:inline
func (h *Heap) dumpSavedSc(a addr) addr {
	return addrFromWord(h.words[a+2])
}

//go:inline
func (h *Heap) dumpPcOffset(a addr) int32 {
	return int32(uint32(h.words[a+3]))
}

//go:inline
func (h *Heap) dumpDepth(a addr) int64 {
	return int64(h.words[a+4])
}
