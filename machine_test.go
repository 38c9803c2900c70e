package gmach

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ═══════════════════════════════════════════════════════════════════════════
// EVALUATOR TESTS
// ═══════════════════════════════════════════════════════════════════════════
//
// Programs are assembled as []ScSource, pushed through the wire format
// and loaded back, so every scenario also exercises the encoder/loader
// pair.

func loadProgram(t *testing.T, cfg Config, scs []ScSource) *Machine {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, EncodeProgram(&buf, scs))
	m, err := Load(&buf, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func runToInt(t *testing.T, m *Machine) int64 {
	t.Helper()
	require.NoError(t, m.Run())
	v, err := m.Result()
	require.NoError(t, err)
	return v
}

func op(o Opcode) Instr { return Instr{Op: o} }

func opArg(o Opcode, a int32) Instr { return Instr{Op: o, Arg: a} }

// entryOnly wraps a single arity-0 entry supercombinator.
func entryOnly(code ...Instr) []ScSource {
	return []ScSource{{Arity: 0, Code: code}}
}

// ───────────────────────────────────────────────────────────────────────────
// End-to-end scenarios
// ───────────────────────────────────────────────────────────────────────────

func TestConstant(t *testing.T) {
	m := loadProgram(t, DefaultConfig(), entryOnly(
		opArg(OpPushInt, 42),
		opArg(OpUpdate, 0),
		op(OpUnwind),
	))
	assert.Equal(t, int64(42), runToInt(t, m))
}

func TestAddition(t *testing.T) {
	m := loadProgram(t, DefaultConfig(), entryOnly(
		opArg(OpPushInt, 4),
		opArg(OpPushInt, 3),
		op(OpPrimIntAdd),
		opArg(OpUpdate, 0),
		op(OpUnwind),
	))
	assert.Equal(t, int64(7), runToInt(t, m))
}

// conditionalProgram is `if c then 10 else 20`. Jump offsets are relative
// to the jump instruction itself.
func conditionalProgram(c int32) []ScSource {
	return entryOnly(
		opArg(OpPushInt, c),
		opArg(OpPrimIntCond, 3),
		opArg(OpPushInt, 10),
		opArg(OpJump, 2),
		opArg(OpPushInt, 20),
		opArg(OpUpdate, 0),
		op(OpUnwind),
	)
}

func TestConditional(t *testing.T) {
	m := loadProgram(t, DefaultConfig(), conditionalProgram(0))
	assert.Equal(t, int64(20), runToInt(t, m), "zero takes the else branch")

	m = loadProgram(t, DefaultConfig(), conditionalProgram(1))
	assert.Equal(t, int64(10), runToInt(t, m), "non-zero falls through to then")
}

// sharingProgram is `let x = plus 5 6 in plus x x`, with plus built from
// the strict primitive. Forcing x twice must run `5 + 6` exactly once.
func sharingProgram() []ScSource {
	entry := ScSource{Arity: 0, Code: []Instr{
		opArg(OpAlloc, 1),
		opArg(OpPushInt, 6),
		opArg(OpPushInt, 5),
		opArg(OpPushGlobal, 1),
		op(OpMkAp),
		op(OpMkAp),
		opArg(OpUpdate, 0),
		opArg(OpPushLocal, 0),
		opArg(OpPushLocal, 1),
		opArg(OpPushGlobal, 1),
		op(OpMkAp),
		op(OpMkAp),
		opArg(OpUpdate, 1),
		opArg(OpPop, 1),
		op(OpUnwind),
	}}
	plus := ScSource{Arity: 2, Code: []Instr{
		opArg(OpPushLocal, 1),
		op(OpEval),
		opArg(OpPushLocal, 1),
		op(OpEval),
		op(OpPrimIntAdd),
		opArg(OpUpdate, 2),
		opArg(OpPop, 2),
		op(OpUnwind),
	}}
	return []ScSource{entry, plus}
}

func TestSharing(t *testing.T) {
	m := loadProgram(t, DefaultConfig(), sharingProgram())

	type primPair struct{ a, b int64 }
	var adds []primPair
	m.onPrim = func(o Opcode, a, b int64) {
		if o == OpPrimIntAdd {
			adds = append(adds, primPair{a, b})
		}
	}

	assert.Equal(t, int64(22), runToInt(t, m))
	require.Len(t, adds, 2, "the shared redex is forced exactly once")
	assert.ElementsMatch(t, []int64{5, 6}, []int64{adds[0].a, adds[0].b})
	assert.Equal(t, primPair{11, 11}, adds[1])
	assert.Equal(t, uint64(2), m.Stats().PrimAdds)
}

func TestPartialApplicationAborts(t *testing.T) {
	// Entry applies itself (arity 2) to a single argument: Unwind finds a
	// one-argument spine under a two-argument supercombinator.
	m := loadProgram(t, DefaultConfig(), []ScSource{{Arity: 2, Code: []Instr{
		opArg(OpPushInt, 1),
		opArg(OpPushGlobal, 0),
		op(OpMkAp),
		opArg(OpUpdate, 0),
		op(OpUnwind),
	}}})
	err := m.Run()
	require.ErrorIs(t, err, ErrMalformedProgram)
	assert.Contains(t, err.Error(), "Sc #0")
}

// ───────────────────────────────────────────────────────────────────────────
// Primitives
// ───────────────────────────────────────────────────────────────────────────

func TestPrimIntSub(t *testing.T) {
	// With b pushed last, PrimIntSub produces a - b.
	cases := []struct{ a, b, want int64 }{
		{10, 3, 7},
		{3, 10, -7},
		{-4, -9, 5},
		{0, 0, 0},
	}
	for _, tc := range cases {
		m := loadProgram(t, DefaultConfig(), entryOnly(
			opArg(OpPushInt, int32(tc.a)),
			opArg(OpPushInt, int32(tc.b)),
			op(OpPrimIntSub),
			opArg(OpUpdate, 0),
			op(OpUnwind),
		))
		assert.Equal(t, tc.want, runToInt(t, m), "%d - %d", tc.a, tc.b)
	}
}

func TestPrimIntLt(t *testing.T) {
	cases := []struct{ a, b, want int64 }{
		{3, 4, 1},
		{4, 3, 0},
		{4, 4, 0},
		{-1, 0, 1},
	}
	for _, tc := range cases {
		m := loadProgram(t, DefaultConfig(), entryOnly(
			opArg(OpPushInt, int32(tc.a)),
			opArg(OpPushInt, int32(tc.b)),
			op(OpPrimIntLt),
			opArg(OpUpdate, 0),
			op(OpUnwind),
		))
		assert.Equal(t, tc.want, runToInt(t, m), "%d < %d", tc.a, tc.b)
	}
}

func TestSlide(t *testing.T) {
	m := loadProgram(t, DefaultConfig(), entryOnly(
		opArg(OpPushInt, 1),
		opArg(OpPushInt, 2),
		opArg(OpPushInt, 3),
		opArg(OpSlide, 2),
		opArg(OpUpdate, 0),
		op(OpUnwind),
	))
	assert.Equal(t, int64(3), runToInt(t, m))
}

// ───────────────────────────────────────────────────────────────────────────
// Dump discipline
// ───────────────────────────────────────────────────────────────────────────

func TestHaltState(t *testing.T) {
	m := loadProgram(t, DefaultConfig(), sharingProgram())
	require.NoError(t, m.Run())

	assert.EqualValues(t, 0, m.dumpDepth, "no pending dumps at halt")
	require.Equal(t, 1, m.sp, "exactly one value at halt")
	assert.Equal(t, tagInt, m.heap.tagOf(m.stack[0]))
}

func TestEvalOnValue(t *testing.T) {
	// Eval of something already in WHNF goes through a dump and straight
	// back.
	m := loadProgram(t, DefaultConfig(), entryOnly(
		opArg(OpPushInt, 9),
		op(OpEval),
		opArg(OpUpdate, 0),
		op(OpUnwind),
	))
	assert.Equal(t, int64(9), runToInt(t, m))
}

// ───────────────────────────────────────────────────────────────────────────
// Failure semantics
// ───────────────────────────────────────────────────────────────────────────

func TestStackOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StackSize = 4
	m := loadProgram(t, cfg, entryOnly(
		opArg(OpPushInt, 1),
		opArg(OpPushInt, 2),
		opArg(OpPushInt, 3),
		opArg(OpPushInt, 4),
		opArg(OpPushInt, 5),
		op(OpUnwind),
	))
	require.ErrorIs(t, m.Run(), ErrStackOverflow)
}

func TestValueOverNonDump(t *testing.T) {
	m := loadProgram(t, DefaultConfig(), entryOnly(
		opArg(OpPushInt, 1),
		opArg(OpPushInt, 2),
		op(OpUnwind),
	))
	require.ErrorIs(t, m.Run(), ErrMalformedProgram)
}

func TestCondAgainstWrongTag(t *testing.T) {
	m := loadProgram(t, DefaultConfig(), entryOnly(
		opArg(OpAlloc, 1),
		opArg(OpPrimIntCond, 1),
		op(OpUnwind),
	))
	require.ErrorIs(t, m.Run(), ErrMalformedProgram)
}

func TestUpdateAgainstExecutingSupercomb(t *testing.T) {
	m := loadProgram(t, DefaultConfig(), entryOnly(
		opArg(OpPushGlobal, 0),
		opArg(OpPushInt, 1),
		opArg(OpUpdate, 0),
		op(OpUnwind),
	))
	require.ErrorIs(t, m.Run(), ErrMalformedProgram)
}

func TestJumpOutsideCode(t *testing.T) {
	m := loadProgram(t, DefaultConfig(), entryOnly(
		opArg(OpJump, 100),
		op(OpUnwind),
	))
	require.ErrorIs(t, m.Run(), ErrMalformedProgram)
}

// ───────────────────────────────────────────────────────────────────────────
// Tracing and inspection
// ───────────────────────────────────────────────────────────────────────────

func TestTracerOutput(t *testing.T) {
	m := loadProgram(t, DefaultConfig(), entryOnly(
		opArg(OpPushInt, 42),
		opArg(OpUpdate, 0),
		op(OpUnwind),
	))
	var buf bytes.Buffer
	m.SetTracer(NewTracer(&buf))
	require.NoError(t, m.Run())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3, "one line per dispatched instruction")
	assert.Equal(t, "Instr=(PushInt 42), stack(lhs is top)=[Ind]", lines[0])
	assert.Equal(t, "Instr=(Update 0), stack(lhs is top)=[42,Ind]", lines[1])
	assert.Equal(t, "Instr=(Unwind), stack(lhs is top)=[Ind]", lines[2])
}

func TestTopNode(t *testing.T) {
	m := loadProgram(t, DefaultConfig(), entryOnly(
		opArg(OpPushInt, 7),
		opArg(OpUpdate, 0),
		op(OpUnwind),
	))
	require.NoError(t, m.Run())
	assert.Equal(t, "7", m.TopNode())
}

func TestStatsCounters(t *testing.T) {
	m := loadProgram(t, DefaultConfig(), sharingProgram())
	require.NoError(t, m.Run())

	st := m.Stats()
	assert.NotZero(t, st.Steps)
	assert.NotZero(t, st.Allocations)
	assert.Equal(t, uint64(2), st.PrimAdds)
	assert.Zero(t, st.PrimSubs)
	assert.GreaterOrEqual(t, st.MaxStackDepth, 5)
	assert.Contains(t, st.String(), "Instructions retired")
}
