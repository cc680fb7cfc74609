package events

import (
	"encoding/json"
	"fmt"
)

type decodeFunc func(data []byte) (Event, error)

var (
	registry   = map[Topic]decodeFunc{}
	topicOrder []Topic
)

func register[T Event, P interface {
	*T
	ensureID()
}](topic Topic) {
	registry[topic] = func(data []byte) (Event, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		P(&v).ensureID()
		return v, nil
	}
	topicOrder = append(topicOrder, topic)
}

func init() {
	register[Hello](TopicHello)
	register[Goodbye](TopicGoodbye)
	register[JoinRequested](TopicJoinRequested)
	register[JoinAccepted](TopicJoinAccepted)
	register[JoinDenied](TopicJoinDenied)
	register[JoinSucceeded](TopicJoinSucceeded)
	register[JoinFailed](TopicJoinFailed)
	register[Registered](TopicRegistered)
	register[ClientGoodbye](TopicClientGoodbye)
	register[FileInfoPublished](TopicFileInfoPublished)
	register[DistributionStarted](TopicDistributionStarted)
	register[DistributionRequested](TopicDistributionRequested)
	register[DistributionDelivered](TopicDistributionDelivered)
	register[DistributionObtained](TopicDistributionObtained)
	register[DistributionFailed](TopicDistributionFailed)
	register[DistributionEnded](TopicDistributionEnded)
}

// UnmarshalJSON rejects reasons outside the closed set.
func (e *JoinDenied) UnmarshalJSON(data []byte) error {
	type plain JoinDenied
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if !p.Reason.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDenyReason, p.Reason)
	}
	*e = JoinDenied(p)
	return nil
}

// Encode returns the canonical wire form of e.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses data as the event bound to topic. A missing eventId is
// replaced by a fresh one.
func Decode(topic Topic, data []byte) (Event, error) {
	dec, ok := registry[topic]
	if !ok {
		return nil, fmt.Errorf("unknown topic %q", topic)
	}
	e, err := dec(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", topic, err)
	}
	return e, nil
}

// Envelope pairs an encoded event with its topic for transports that carry
// several topics on one stream.
type Envelope struct {
	Topic   Topic           `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Wrap encodes e into an Envelope.
func Wrap(e Event) (Envelope, error) {
	b, err := Encode(e)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Topic: e.Topic(), Payload: b}, nil
}

// Unwrap decodes the event held by the envelope.
func (e Envelope) Unwrap() (Event, error) {
	return Decode(e.Topic, e.Payload)
}
