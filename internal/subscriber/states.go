package subscriber

import (
	"github.com/jonboulle/clockwork"

	"github.com/dmitrijs2005/fragnet/internal/events"
	"github.com/dmitrijs2005/fragnet/internal/models"
)

type state interface {
	String() string
}

type initializing struct{}

// initialized is a started peer that is not part of the network.
type initialized struct{}

type waitForJoinResponse struct {
	request events.JoinRequested
	// published holds FileInfoPublished events seen before registration.
	published []models.FragmentedFile
	call      *call
	timer     clockwork.Timer
}

type waitForRegistration struct {
	accepted  events.JoinAccepted
	published []models.FragmentedFile
	call      *call
	timer     clockwork.Timer
}

type idle struct{}

type waitForFragmentDelivery struct {
	hash string
	// call is nil when the peer volunteered on its own.
	call  *call
	timer clockwork.Timer
}

type disposed struct{}

type failed struct {
	cause error
}

func (*initializing) String() string            { return "Initializing" }
func (*initialized) String() string             { return "Initialized" }
func (*waitForJoinResponse) String() string     { return "WaitForJoinResponse" }
func (*waitForRegistration) String() string     { return "WaitForRegistration" }
func (*idle) String() string                    { return "Idle" }
func (*waitForFragmentDelivery) String() string { return "WaitForFragmentDelivery" }
func (*disposed) String() string                { return "Disposed" }
func (*failed) String() string                  { return "Error" }

func stopTimer(s state) {
	switch st := s.(type) {
	case *waitForJoinResponse:
		st.timer.Stop()
	case *waitForRegistration:
		st.timer.Stop()
	case *waitForFragmentDelivery:
		st.timer.Stop()
	}
}

// pendingCall returns the caller waiting on s, if any.
func pendingCall(s state) *call {
	switch st := s.(type) {
	case *waitForJoinResponse:
		return st.call
	case *waitForRegistration:
		return st.call
	case *waitForFragmentDelivery:
		return st.call
	}
	return nil
}

// call is a public operation waiting for the machine.
type call struct {
	result chan error
	done   bool
}

func newCall() *call {
	return &call{result: make(chan error, 1)}
}

// complete delivers err once. It is safe on a nil call.
func (c *call) complete(err error) {
	if c == nil || c.done {
		return
	}
	c.done = true
	c.result <- err
}
