package checkpoint

import (
	"expvar"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusvolume/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGuard_AdmitRequiresCapturedBoundary(t *testing.T) {
	g := NewGuard(testLogger())

	// Nothing has been captured yet, so no frame may be discarded.
	err := g.Admit(5)
	require.ErrorIs(t, err, core.ErrBarrierHeld)

	g.AdvanceCaptured(5)
	require.NoError(t, g.Admit(5))
	require.NoError(t, g.Admit(3))

	err = g.Admit(6)
	require.ErrorIs(t, err, core.ErrBarrierHeld)
}

func TestGuard_HeldTokenDefersTruncation(t *testing.T) {
	g := NewGuard(testLogger())
	g.AdvanceCaptured(100)

	tok := g.Acquire(50)
	seq, held := g.HeldBarrier()
	assert.True(t, held)
	assert.Equal(t, uint64(50), seq)

	// Truncation discards from the head, so even a low target intersects
	// the held barrier's frames.
	err := g.Admit(1)
	require.ErrorIs(t, err, core.ErrBarrierHeld)

	g.Release(tok)
	_, held = g.HeldBarrier()
	assert.False(t, held)
	require.NoError(t, g.Admit(50))
}

func TestGuard_MultipleTokens(t *testing.T) {
	g := NewGuard(testLogger())
	g.AdvanceCaptured(100)

	tok1 := g.Acquire(10)
	tok2 := g.Acquire(20)

	g.Release(tok1)
	err := g.Admit(5)
	require.ErrorIs(t, err, core.ErrBarrierHeld)

	g.Release(tok2)
	require.NoError(t, g.Admit(20))
}

func TestGuard_ReleaseIsIdempotent(t *testing.T) {
	g := NewGuard(testLogger())
	g.AdvanceCaptured(10)

	tok := g.Acquire(10)
	g.Release(tok)
	g.Release(tok) // Double release must not panic or free another token.
	g.Release(nil)

	require.NoError(t, g.Admit(10))
}

func TestGuard_CapturedNeverMovesBackwards(t *testing.T) {
	g := NewGuard(testLogger())
	g.AdvanceCaptured(10)
	g.AdvanceCaptured(3)
	assert.Equal(t, uint64(10), g.CapturedThrough())
}

func TestGuard_DeferredCounter(t *testing.T) {
	g := NewGuard(testLogger())
	counter := new(expvar.Int)
	g.SetDeferredCounter(counter)

	tok := g.Acquire(10)
	_ = g.Admit(1)
	g.Release(tok)
	_ = g.Admit(99) // Past the captured boundary.

	assert.Equal(t, int64(2), counter.Value())
}
