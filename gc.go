package gmach

// ═══════════════════════════════════════════════════════════════════════════
// COPYING COLLECTOR
// ═══════════════════════════════════════════════════════════════════════════
//
// A Cheney-style semispace collector. Forwarding copies a node's full
// size to the to-space bump pointer, marks the original CopiedFrom with
// the new address overlaying payload word 1, marks the copy CopiedTo, and
// fixes up the copy's interior references per tag. Supercomb instruction
// buffers are copied as data; the program counter survives relocation
// because it is saved as an offset from the current supercombinator's
// code base and rebuilt against the forwarded node.
//
// Root order is fixed and observable to testing: the globals table, the
// current supercombinator, then every occupied stack slot. A Dump's saved
// stack pointer is a plain depth, so only its saved supercombinator needs
// forwarding.

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// collect runs a full collection and satisfies the pending allocation of
// `need` words atomically with it. Only reachable from the allocation
// safe-point.
func (m *Machine) collect(need addr) (addr, error) {
	h := m.heap

	if h.tagOf(m.currSC) != tagSupercomb {
		return 0, errors.Wrapf(ErrMalformedProgram,
			"collection with a %s node as the current supercombinator", h.tagOf(m.currSC))
	}
	pcOffset := m.pc - h.scCode(m.currSC)

	h.copyPtr = h.toBase

	for i, g := range m.globals {
		m.globals[i] = h.copyNode(g)
	}
	m.currSC = h.copyNode(m.currSC)
	m.pc = h.scCode(m.currSC) + pcOffset
	for i := 0; i < m.sp; i++ {
		m.stack[i] = h.copyNode(m.stack[i])
	}

	// The copies never leave CopiedTo in a well-formed collection; the
	// sweep resets them so the next cycle starts from a clean from-space.
	for a := h.toBase; a < h.copyPtr; a += h.nodeSize(a) {
		h.setMark(a, markUnreachable)
	}

	live := h.copyPtr - h.toBase
	m.stats.Collections++
	m.stats.WordsCopied += uint64(live)

	h.fromBase, h.toBase = h.toBase, h.fromBase
	h.limit = h.fromBase + h.semiWords
	h.allocPtr = h.copyPtr + need
	if h.allocPtr > h.limit {
		return 0, errors.Wrapf(ErrOutOfHeap,
			"%s live after collection, %d more words requested of a %s semispace",
			humanize.IBytes(uint64(live)*8), need, humanize.IBytes(uint64(h.semiWords)*8))
	}

	if m.log != nil {
		m.log.WithFields(logrus.Fields{
			"live": humanize.IBytes(uint64(live) * 8),
			"free": humanize.IBytes(uint64(h.limit-h.allocPtr) * 8),
		}).Debug("collected")
	}
	return h.allocPtr - need, nil
}

// copyNode forwards one reference into to-space, copying the node on
// first contact and fixing up its interior references.
func (h *Heap) copyNode(a addr) addr {
	if a == addrNil {
		return addrNil
	}
	if h.markOf(a) == markCopiedFrom {
		return addrFromWord(h.words[a+1])
	}

	// Size must be read before the forwarding address clobbers word 1 of
	// the original.
	size := h.nodeSize(a)
	n := h.copyPtr
	copy(h.words[n:n+size], h.words[a:a+size])
	h.setMark(a, markCopiedFrom)
	h.words[a+1] = wordFromAddr(n)
	h.setMark(n, markCopiedTo)
	h.copyPtr += size

	switch h.tagOf(n) {
	case tagInt, tagSupercomb:
		// No heap children; a Supercomb's instruction words moved as
		// data.
	case tagAp:
		h.words[n+1] = wordFromAddr(h.copyNode(addrFromWord(h.words[n+1])))
		h.words[n+2] = wordFromAddr(h.copyNode(addrFromWord(h.words[n+2])))
	case tagIndirect:
		h.words[n+1] = wordFromAddr(h.copyNode(addrFromWord(h.words[n+1])))
	case tagDump:
		// Invariant: a dump's saved supercombinator is still a
		// Supercomb, never an Indirect.
		h.words[n+2] = wordFromAddr(h.copyNode(addrFromWord(h.words[n+2])))
	}
	return n
}
