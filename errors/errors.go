package errors

import "fmt"

var (
	ErrDuplicateSequence = fmt.Errorf("event sequence already applied")
	ErrSequenceGap       = fmt.Errorf("event sequence gap")
	ErrInvalidTransition = fmt.Errorf("invalid room state transition")
	ErrNoCapablePeers    = fmt.Errorf("no invited peer supports conference chat")
	ErrRoomTerminated    = fmt.Errorf("room has been terminated")
	ErrUnknownRoom       = fmt.Errorf("unknown room address")
	ErrUnknownMessage    = fmt.Errorf("unknown message")
	ErrNotMember         = fmt.Errorf("not a member of the conference")
	ErrFocusUnreachable  = fmt.Errorf("focus unreachable")
	ErrEmptyHistory      = fmt.Errorf("snapshot does not start with a conference creation")
	ErrWorkerPanic       = fmt.Errorf("worker panic")
)
