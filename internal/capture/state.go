package capture

import (
	"fmt"
	"sync/atomic"
	"time"
)

// State is the controller lifecycle phase
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session is one capture run. Its metrics never change after creation.
type Session struct {
	ID        string
	Metrics   Metrics
	StartedAt time.Time

	binding Binding
	sink    *FrameSink
	token   *Token
}

// sessionState carries exactly the fields valid in its phase
type sessionState interface {
	phase() State
}

type idleState struct{}

type startingState struct {
	id string
}

type activeState struct {
	session  *Session
	callback Callback
}

type stoppingState struct {
	session *Session
}

func (idleState) phase() State     { return StateIdle }
func (startingState) phase() State { return StateStarting }
func (activeState) phase() State   { return StateActive }
func (stoppingState) phase() State { return StateStopping }

var sessionSeq atomic.Uint64

// newSessionID is unique for the life of the process even when two
// sessions start within the same millisecond.
func newSessionID(now time.Time) string {
	return fmt.Sprintf("screen_capture_%d_%d", now.UnixMilli(), sessionSeq.Add(1))
}
