package engine

// State is a torrent's position in the lifecycle machine of spec §4.13.
type State int

const (
	Queued State = iota
	Checking
	Downloading
	Seeding
	Paused
	Error
)

func (s State) String() string {
	switch s {
	case Queued:
		return "Queued"
	case Checking:
		return "Checking"
	case Downloading:
		return "Downloading"
	case Seeding:
		return "Seeding"
	case Paused:
		return "Paused"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Trigger is an event that may move a torrent between States.
type Trigger int

const (
	TriggerStart Trigger = iota
	TriggerPause
	TriggerPieceVerifiedAll
	TriggerHashMismatchThreshold
	TriggerDiskFull
	TriggerStop
	TriggerUserClear
)

// next computes the state spec §4.13's transition table assigns to
// (from, trigger), given the extra facts the "Paused -> start" cell needs
// to decide between Checking, Downloading and Seeding. ok is false for any
// (from, trigger) pair the table marks "—": the trigger has no effect in
// that state.
//
// staleBitfield means the on-disk resume bitfield hasn't been trusted
// since a previous run (the engine always re-Checks after a crash or an
// explicit verify); allComplete means every piece already verified.
func next(from State, trigger Trigger, staleBitfield, allComplete bool) (to State, ok bool) {
	switch from {
	case Queued:
		switch trigger {
		case TriggerStart:
			return Checking, true
		case TriggerStop:
			return Paused, true
		}
	case Checking:
		switch trigger {
		case TriggerPause:
			return Paused, true
		case TriggerPieceVerifiedAll:
			return Seeding, true
		case TriggerHashMismatchThreshold, TriggerDiskFull:
			return Error, true
		case TriggerStop:
			return Paused, true
		}
	case Downloading:
		switch trigger {
		case TriggerPause:
			return Paused, true
		case TriggerPieceVerifiedAll:
			return Seeding, true
		case TriggerDiskFull:
			return Error, true
		case TriggerStop:
			return Paused, true
		}
	case Seeding:
		switch trigger {
		case TriggerPause:
			return Paused, true
		case TriggerPieceVerifiedAll:
			// No-op: already seeding everything there is.
			return Seeding, true
		case TriggerDiskFull:
			return Error, true
		case TriggerStop:
			return Paused, true
		}
	case Paused:
		if trigger == TriggerStart {
			if staleBitfield {
				return Checking, true
			}
			if allComplete {
				return Seeding, true
			}
			return Downloading, true
		}
		// Paused is terminal for every other trigger (stop is a no-op,
		// not an error, once already paused).
	case Error:
		if trigger == TriggerUserClear {
			return Checking, true
		}
	}
	return from, false
}
