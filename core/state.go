package core

// VolumeState is the lifecycle state of a replicated volume.
type VolumeState int

const (
	// StateFresh means no volume has been confirmed at the store yet.
	StateFresh VolumeState = iota
	// StateClean means every local commit is confirmed in the volume store.
	StateClean
	// StateDirty means committed frames are pending push.
	StateDirty
	// StatePushing means a push session is actively transmitting chunks.
	StatePushing
	// StateInterruptedPush means a session exists that was not confirmed
	// Completed before process exit or transport loss. It is safe to resume.
	StateInterruptedPush
)

func (s VolumeState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StatePushing:
		return "pushing"
	case StateInterruptedPush:
		return "interrupted_push"
	default:
		return "unknown"
	}
}

// SessionStatus is the status of one push session.
type SessionStatus byte

const (
	SessionActive      SessionStatus = 1
	SessionCompleted   SessionStatus = 2
	SessionInterrupted SessionStatus = 3
)

func (s SessionStatus) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionCompleted:
		return "completed"
	case SessionInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}
