// Package checkpoint serializes local checkpoint truncation against in-flight
// frame capture. Every checkpoint-triggering operation must pass through the
// Guard; no other path may discard WAL content while a barrier is held.
package checkpoint

import (
	"expvar"
	"fmt"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusvolume/core"
)

// Token is a lease on the WAL prefix up to UptoSeq. While held, no checkpoint
// may physically discard WAL content at or below that sequence.
type Token struct {
	id      uint64
	uptoSeq uint64
}

// UptoSeq returns the highest sequence number the token covers.
func (t *Token) UptoSeq() uint64 {
	if t == nil {
		return 0
	}
	return t.uptoSeq
}

// Guard hands out checkpoint barrier tokens and gates WAL truncation.
//
// Beyond the barrier lease it tracks a captured-through low-water mark: the
// highest commit boundary whose frames are durably held as chunks (or
// confirmed by the store). Truncation past that mark is never admitted,
// barrier or not, because it would discard frames nothing else can replay.
type Guard struct {
	mu       sync.Mutex
	nextID   uint64
	held     map[uint64]uint64 // token id -> uptoSeq
	captured uint64

	metricsDeferred *expvar.Int

	logger *slog.Logger
}

// NewGuard creates a Guard.
func NewGuard(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		held:   make(map[uint64]uint64),
		logger: logger.With("component", "CheckpointGuard"),
	}
}

// SetDeferredCounter wires an expvar counter incremented per deferred checkpoint.
func (g *Guard) SetDeferredCounter(c *expvar.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metricsDeferred = c
}

// Acquire takes a barrier covering WAL content up to and including uptoSeq.
// The caller must Release the token after the frames it reads are durably
// stored as chunks, and never earlier.
func (g *Guard) Acquire(uptoSeq uint64) *Token {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextID++
	tok := &Token{id: g.nextID, uptoSeq: uptoSeq}
	g.held[tok.id] = uptoSeq
	g.logger.Debug("Acquired checkpoint barrier", "token", tok.id, "upto_seq", uptoSeq)
	return tok
}

// Release gives the barrier back. Releasing a nil or already-released token
// is a no-op so that deferred cleanup paths stay simple.
func (g *Guard) Release(tok *Token) {
	if tok == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.held[tok.id]; !ok {
		return
	}
	delete(g.held, tok.id)
	g.logger.Debug("Released checkpoint barrier", "token", tok.id, "upto_seq", tok.uptoSeq)
}

// AdvanceCaptured raises the captured-through low-water mark. It never moves
// backwards.
func (g *Guard) AdvanceCaptured(seq uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if seq > g.captured {
		g.captured = seq
		g.logger.Debug("Advanced captured boundary", "captured_seq", seq)
	}
}

// CapturedThrough returns the current captured-through boundary. Frames at or
// below it are safe to discard.
func (g *Guard) CapturedThrough() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.captured
}

// Admit decides whether a truncation discarding WAL content up to uptoSeq may
// proceed. Truncation always discards from the head of the log, so any held
// barrier still depends on frames the truncation would remove; the checkpoint
// is deferred with core.ErrBarrierHeld until every token is released. A
// truncation reaching past the captured boundary is deferred the same way,
// since those frames exist nowhere but the log.
func (g *Guard) Admit(uptoSeq uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.held) > 0 {
		var maxHeld uint64
		for _, s := range g.held {
			if s > maxHeld {
				maxHeld = s
			}
		}
		if g.metricsDeferred != nil {
			g.metricsDeferred.Add(1)
		}
		g.logger.Info("Deferred checkpoint while barrier held",
			"truncate_upto_seq", uptoSeq, "barrier_upto_seq", maxHeld, "held_tokens", len(g.held))
		return fmt.Errorf("%w: barrier up to seq %d outstanding", core.ErrBarrierHeld, maxHeld)
	}

	if uptoSeq > g.captured {
		if g.metricsDeferred != nil {
			g.metricsDeferred.Add(1)
		}
		g.logger.Info("Deferred checkpoint past captured boundary",
			"truncate_upto_seq", uptoSeq, "captured_seq", g.captured)
		return fmt.Errorf("%w: frames beyond captured seq %d are not yet chunked", core.ErrBarrierHeld, g.captured)
	}
	return nil
}

// HeldBarrier reports the highest sequence covered by any held token.
func (g *Guard) HeldBarrier() (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.held) == 0 {
		return 0, false
	}
	var maxHeld uint64
	for _, s := range g.held {
		if s > maxHeld {
			maxHeld = s
		}
	}
	return maxHeld, true
}
