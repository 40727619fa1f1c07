package push

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/remote"
	"github.com/INLOpen/nexusvolume/volume"
)

// Options holds configuration for the push coordinator.
type Options struct {
	Store          remote.VolumeStore
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider

	// MaxChunkBytes is the target chunk payload size.
	MaxChunkBytes int
	// RetryMaxAttempts bounds transmit and confirm attempts per call.
	RetryMaxAttempts int

	PushesCompleted   *expvar.Int
	PushesInterrupted *expvar.Int
	ChunksTransmitted *expvar.Int
	BytesTransmitted  *expvar.Int
}

// Coordinator drives one volume's push cycle: capture under the checkpoint
// barrier, transmit chunks with bounded retries, and land the store's atomic
// confirm back into the volume's durable records.
type Coordinator struct {
	vol    *volume.Volume
	store  remote.VolumeStore
	logger *slog.Logger
	tracer trace.Tracer

	maxChunkBytes    int
	retryMaxAttempts int

	metricsPushesCompleted   *expvar.Int
	metricsPushesInterrupted *expvar.Int
	metricsChunksTransmitted *expvar.Int
	metricsBytesTransmitted  *expvar.Int
}

// NewCoordinator creates a coordinator for vol.
func NewCoordinator(vol *volume.Volume, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if opts.RetryMaxAttempts <= 0 {
		opts.RetryMaxAttempts = 5
	}
	var tracer trace.Tracer
	if opts.TracerProvider != nil {
		tracer = opts.TracerProvider.Tracer("github.com/INLOpen/nexusvolume/push")
	} else {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Coordinator{
		vol:                      vol,
		store:                    opts.Store,
		logger:                   opts.Logger.With("component", "PushCoordinator"),
		tracer:                   tracer,
		maxChunkBytes:            opts.MaxChunkBytes,
		retryMaxAttempts:         opts.RetryMaxAttempts,
		metricsPushesCompleted:   opts.PushesCompleted,
		metricsPushesInterrupted: opts.PushesInterrupted,
		metricsChunksTransmitted: opts.ChunksTransmitted,
		metricsBytesTransmitted:  opts.BytesTransmitted,
	}
}

// Push advances the volume toward Clean. On a dirty volume it captures a new
// session; on an interrupted one it resumes the existing session. A clean or
// fresh volume is a no-op. Transport loss after retries leaves the session
// durably interrupted and returns the error; a later Push resumes it.
func (c *Coordinator) Push(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "Coordinator.Push")
	defer span.End()

	switch state := c.vol.State(); state {
	case core.StateFresh, core.StateClean:
		return nil
	case core.StatePushing:
		return fmt.Errorf("push already in progress for volume %s", c.vol.ID())
	case core.StateInterruptedPush:
		rec, err := c.vol.ResumeSession()
		if err != nil {
			return err
		}
		return c.resume(ctx, rec)
	case core.StateDirty:
		rec, err := c.capture(ctx)
		if err != nil || rec == nil {
			return err
		}
		return c.finish(ctx, rec)
	default:
		return fmt.Errorf("unexpected volume state %s", state)
	}
}

// capture freezes the pending frame run under the checkpoint barrier, chunks
// it, makes the chunks locally durable, and records the session. The barrier
// is released before any network traffic.
func (c *Coordinator) capture(ctx context.Context) (*volume.SessionRecord, error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.capture")
	defer span.End()

	confirmed := c.vol.ConfirmedSeq()
	target := c.vol.CommittedSeq()
	if target <= confirmed {
		return nil, nil
	}

	token := c.vol.Guard().Acquire(target)
	defer c.vol.Guard().Release(token)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frames, err := c.vol.FrameReader().ReadNewFrames(confirmed)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending frames: %w", err)
	}
	if len(frames) == 0 || frames[0].SeqNum != confirmed+1 {
		// The run after the confirmed boundary is gone from the log. A
		// checkpoint discarded frames no completed session covered.
		return nil, fmt.Errorf("%w: frames after confirmed seq %d are missing from the WAL",
			core.ErrVolumeInconsistent, confirmed)
	}
	// Withhold anything committed after the barrier target.
	end := len(frames)
	for end > 0 && frames[end-1].SeqNum > target {
		end--
	}
	frames = frames[:end]

	chunks, err := BuildChunks(frames, c.maxChunkBytes)
	if err != nil {
		return nil, err
	}
	checksum, err := c.vol.DB().ChecksumAt(target)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum image at seq %d: %w", target, err)
	}

	rec := &volume.SessionRecord{
		SessionID:      uuid.New(),
		BaseSeq:        confirmed,
		TargetSeq:      target,
		TargetChecksum: checksum,
		Status:         core.SessionActive,
		Chunks:         make([]volume.ChunkRef, 0, len(chunks)),
	}
	for i := range chunks {
		if _, err := c.vol.ChunkStore().Put(chunks[i].Payload); err != nil {
			return nil, fmt.Errorf("failed to store chunk locally: %w", err)
		}
		rec.Chunks = append(rec.Chunks, volume.ChunkRef{
			Address:   chunks[i].Address,
			CommitSeq: chunks[i].CommitSeq,
		})
	}

	if err := c.vol.BeginSession(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// finish transmits and confirms an owned session, durably interrupting it
// on failure so the next push resumes instead of recapturing.
func (c *Coordinator) finish(ctx context.Context, rec *volume.SessionRecord) error {
	if err := c.transmit(ctx, rec); err != nil {
		return c.interrupt(rec, err)
	}
	if err := c.confirm(ctx, rec); err != nil {
		return c.interrupt(rec, err)
	}
	if err := c.vol.CompleteSession(rec); err != nil {
		return err
	}
	if c.metricsPushesCompleted != nil {
		c.metricsPushesCompleted.Add(1)
	}
	return nil
}

func (c *Coordinator) interrupt(rec *volume.SessionRecord, cause error) error {
	if err := c.vol.InterruptSession(rec); err != nil {
		return errors.Join(cause, err)
	}
	if c.metricsPushesInterrupted != nil {
		c.metricsPushesInterrupted.Add(1)
	}
	return cause
}

// resume continues a recovered session. If the store already confirmed its
// target the local records just catch up; otherwise the remaining chunks are
// retransmitted. PutChunk idempotence makes replays harmless.
func (c *Coordinator) resume(ctx context.Context, rec *volume.SessionRecord) error {
	ctx, span := c.tracer.Start(ctx, "Coordinator.resume")
	defer span.End()

	var state remote.RemoteState
	err := c.withRetry(ctx, "state", func() error {
		var err error
		state, err = c.store.State(ctx, c.vol.ID())
		return err
	})
	if err != nil {
		return c.interrupt(rec, err)
	}

	if state.Known && state.LastSessionID == rec.SessionID {
		// The confirm landed before the interruption; only the local
		// records are behind.
		c.logger.Info("Resumed session was already confirmed", "session_id", rec.SessionID, "target_seq", rec.TargetSeq)
		return c.vol.CompleteSession(rec)
	}
	if state.Known && state.ConfirmedSeq >= rec.TargetSeq {
		if err := c.vol.SetConfirmed(state.ConfirmedSeq, state.ConfirmedChecksum); err != nil {
			return err
		}
		return c.vol.AbandonSession(rec)
	}
	return c.finish(ctx, rec)
}

func (c *Coordinator) transmit(ctx context.Context, rec *volume.SessionRecord) error {
	ctx, span := c.tracer.Start(ctx, "Coordinator.transmit")
	defer span.End()

	for i := range rec.Chunks {
		if rec.Chunks[i].Acked {
			continue
		}
		payload, err := c.vol.ChunkStore().Get(rec.Chunks[i].Address)
		if err != nil {
			return fmt.Errorf("failed to load chunk for transmit: %w", err)
		}
		addr := rec.Chunks[i].Address
		err = c.withRetry(ctx, "put_chunk", func() error {
			return c.store.PutChunk(ctx, c.vol.ID(), addr, payload)
		})
		if err != nil {
			return err
		}
		rec.Chunks[i].Acked = true
		if err := c.vol.UpdateSession(rec); err != nil {
			return err
		}
		if c.metricsChunksTransmitted != nil {
			c.metricsChunksTransmitted.Add(1)
		}
		if c.metricsBytesTransmitted != nil {
			c.metricsBytesTransmitted.Add(int64(len(payload)))
		}
	}
	return nil
}

func (c *Coordinator) confirm(ctx context.Context, rec *volume.SessionRecord) error {
	ctx, span := c.tracer.Start(ctx, "Coordinator.confirm")
	defer span.End()

	addrs := make([]core.ChunkAddress, len(rec.Chunks))
	for i := range rec.Chunks {
		addrs[i] = rec.Chunks[i].Address
	}
	return c.withRetry(ctx, "confirm", func() error {
		return c.store.Confirm(ctx, c.vol.ID(), rec.SessionID, rec.TargetSeq, rec.TargetChecksum, addrs)
	})
}

// withRetry runs fn, retrying transport failures with exponential backoff.
// Store rejections and context cancellation are returned immediately.
func (c *Coordinator) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= c.retryMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !core.IsTransportFailure(lastErr) {
			return lastErr
		}
		if attempt == c.retryMaxAttempts {
			break
		}
		c.logger.Warn("Transport failure, retrying...", "op", op, "attempt", attempt, "backoff", backoff, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, c.retryMaxAttempts, lastErr)
}
