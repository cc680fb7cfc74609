package publisher

import (
	"github.com/jonboulle/clockwork"

	"github.com/dmitrijs2005/fragnet/internal/events"
	"github.com/dmitrijs2005/fragnet/internal/models"
)

// state is one of the variants below. The current variant is replaced, never
// mutated into another one, so a timer can tell whether the state it was
// armed for is still current by pointer comparison.
type state interface {
	String() string
}

type initializing struct{}

type idle struct{}

type waitForClientJoinResponse struct {
	request   events.JoinRequested
	endpoints []string
	// trusted are the joiner's well-formed fragment reports. Sizes come from
	// the index when it knows the hash.
	trusted []models.Fragment
	// adopted are valid joiner recipes the network does not know yet.
	adopted  []models.FragmentedFile
	replaces bool
	timer    clockwork.Timer
}

type waitForDistributionRequests struct {
	round *round
	timer clockwork.Timer
}

type waitForDistributionDeliveryResponse struct {
	round *round
	timer clockwork.Timer
}

type disposed struct{}

// failed is the Error state.
type failed struct {
	cause error
}

func (*initializing) String() string                        { return "Initializing" }
func (*idle) String() string                                { return "Idle" }
func (*waitForClientJoinResponse) String() string           { return "WaitForClientJoinResponse" }
func (*waitForDistributionRequests) String() string         { return "WaitForDistributionRequests" }
func (*waitForDistributionDeliveryResponse) String() string { return "WaitForDistributionDeliveryResponse" }
func (*disposed) String() string                            { return "Disposed" }
func (*failed) String() string                              { return "Error" }

func stopTimer(s state) {
	switch st := s.(type) {
	case *waitForClientJoinResponse:
		st.timer.Stop()
	case *waitForDistributionRequests:
		st.timer.Stop()
	case *waitForDistributionDeliveryResponse:
		st.timer.Stop()
	}
}
