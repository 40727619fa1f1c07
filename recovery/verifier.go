// Package recovery checks a freshly opened volume against its durable
// records and flags states that only a bypassed checkpoint barrier can
// produce.
package recovery

import (
	"fmt"
	"log/slog"

	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/volume"
)

// Report summarizes what the verifier established about a volume.
type Report struct {
	State        core.VolumeState
	ConfirmedSeq uint64
	CommittedSeq uint64
	// CheckpointSeq is how far the main file has folded the WAL in.
	CheckpointSeq uint64
	// ChecksumVerified is true when the confirmed image was reconstructed
	// and matched the recorded checksum byte for byte.
	ChecksumVerified bool
}

// Verifier validates a volume's local records after open.
type Verifier struct {
	vol    *volume.Volume
	logger *slog.Logger
}

// NewVerifier creates a verifier for vol.
func NewVerifier(vol *volume.Volume, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{vol: vol, logger: logger.With("component", "RecoveryVerifier")}
}

// Verify cross-checks the confirmed record against what the local database
// can still account for. It returns core.ErrVolumeInconsistent when the
// volume can neither reproduce the confirmed image nor show that every
// checkpointed frame was captured first.
//
// A checkpoint is allowed to run ahead of the confirmed boundary, because
// the barrier releases once captured chunks are locally durable. What it is
// never allowed to do is discard frames no session captured. That is the
// signature this verifier looks for.
func (v *Verifier) Verify() (*Report, error) {
	meta := v.vol.Meta()
	report := &Report{
		State:         v.vol.State(),
		ConfirmedSeq:  meta.ConfirmedSeq,
		CommittedSeq:  v.vol.CommittedSeq(),
		CheckpointSeq: v.vol.DB().PageFile().CheckpointSeq(),
	}

	if report.CommittedSeq < report.ConfirmedSeq {
		return report, fmt.Errorf("%w: store confirmed seq %d but local data only reaches %d",
			core.ErrVolumeInconsistent, report.ConfirmedSeq, report.CommittedSeq)
	}

	if report.CheckpointSeq <= report.ConfirmedSeq {
		// The confirmed image is still reconstructible locally; prove it.
		if report.ConfirmedSeq > 0 {
			sum, err := v.vol.DB().ChecksumAt(report.ConfirmedSeq)
			if err != nil {
				return report, fmt.Errorf("failed to reconstruct confirmed image: %w", err)
			}
			if sum != meta.ConfirmedChecksum {
				return report, fmt.Errorf("%w: image at confirmed seq %d does not match the recorded checksum",
					core.ErrVolumeInconsistent, report.ConfirmedSeq)
			}
			report.ChecksumVerified = true
		}
		v.logger.Info("Volume verified", "state", report.State.String(), "confirmed_seq", report.ConfirmedSeq)
		return report, nil
	}

	// The checkpoint ran past the confirmed boundary. Legitimate only when
	// the discarded frames were captured: either the WAL still covers the
	// gap, or a session record holds locally durable chunks through the
	// checkpoint boundary.
	frames, err := v.vol.FrameReader().ReadNewFrames(report.ConfirmedSeq)
	if err != nil {
		return report, fmt.Errorf("failed to read WAL for verification: %w", err)
	}
	if len(frames) > 0 && frames[0].SeqNum == report.ConfirmedSeq+1 {
		v.logger.Info("Volume verified, WAL covers the unconfirmed gap",
			"confirmed_seq", report.ConfirmedSeq, "checkpoint_seq", report.CheckpointSeq)
		return report, nil
	}

	if rec := v.vol.Session(); rec != nil && rec.BaseSeq <= report.ConfirmedSeq {
		covered := uint64(0)
		for i := range rec.Chunks {
			ok, err := v.vol.ChunkStore().Has(rec.Chunks[i].Address)
			if err != nil {
				return report, err
			}
			if !ok {
				break
			}
			covered = rec.Chunks[i].CommitSeq
		}
		if covered >= report.CheckpointSeq {
			v.logger.Info("Volume verified, session chunks cover the checkpointed frames",
				"session_id", rec.SessionID, "covered_seq", covered, "checkpoint_seq", report.CheckpointSeq)
			return report, nil
		}
	}

	return report, fmt.Errorf("%w: checkpoint discarded frames through seq %d that no session captured beyond confirmed seq %d",
		core.ErrVolumeInconsistent, report.CheckpointSeq, report.ConfirmedSeq)
}
