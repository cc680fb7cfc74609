// Package events defines the messages exchanged over the bus between the
// tracker and the peers. Every event is bound to exactly one topic and
// encodes as a single JSON object.
package events

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/fragnet/internal/models"
)

// Event is implemented by every message type in this package.
type Event interface {
	ID() uuid.UUID
	Topic() Topic
}

// Meta carries the correlation id every event has.
type Meta struct {
	EventID uuid.UUID `json:"eventId"`
}

// NewMeta returns a Meta with a fresh random id.
func NewMeta() Meta {
	return Meta{EventID: uuid.New()}
}

func (m Meta) ID() uuid.UUID { return m.EventID }

func (m *Meta) ensureID() {
	if m.EventID == uuid.Nil {
		m.EventID = uuid.New()
	}
}

// Hello announces a tracker that is ready to accept joins.
type Hello struct {
	Meta
	TrackerID     string `json:"trackerId"`
	HashAlgorithm string `json:"hashAlgorithm"`
	FragmentSize  int64  `json:"fragmentSize"`
}

// Goodbye announces that a tracker is shutting down.
type Goodbye struct {
	Meta
	TrackerID string `json:"trackerId"`
}

// JoinRequested is sent by a peer that wants to join the network. It reports
// what the peer already has so the tracker only sends the difference.
type JoinRequested struct {
	Meta
	ClientID        string                  `json:"clientId"`
	HashAlgorithm   string                  `json:"hashAlgorithm"`
	FragmentSize    int64                   `json:"fragmentSize"`
	KnownFileInfos  []models.FragmentedFile `json:"knownFileInfos,omitempty"`
	StoredFragments []models.Fragment       `json:"storedFragments,omitempty"`
	Endpoints       []string                `json:"endpoints,omitempty"`
}

// JoinAccepted carries the reconciliation delta for the joiner.
type JoinAccepted struct {
	Meta
	ClientID         string                  `json:"clientId"`
	AddedFileInfos   []models.FragmentedFile `json:"addedFileInfos,omitempty"`
	RemovedFileInfos []string                `json:"removedFileInfos,omitempty"`
	RemovedFragments []string                `json:"removedFragments,omitempty"`
}

// DenyReason is the closed set of reasons a join can be refused for.
type DenyReason string

const (
	DenyWrongFragmentSize  DenyReason = "WrongFragmentSize"
	DenyWrongHashAlgorithm DenyReason = "WrongHashAlgorithm"
	DenyEndpointConflict   DenyReason = "EndpointConflict"
	DenyOther              DenyReason = "Other"
)

// ErrInvalidDenyReason is returned for a reason outside the closed set.
var ErrInvalidDenyReason = errors.New("invalid join deny reason")

// Valid reports whether r is one of the known reasons.
func (r DenyReason) Valid() bool {
	switch r {
	case DenyWrongFragmentSize, DenyWrongHashAlgorithm, DenyEndpointConflict, DenyOther:
		return true
	}
	return false
}

// JoinDenied refuses a join. Build it with NewJoinDenied.
type JoinDenied struct {
	Meta
	ClientID string     `json:"clientId"`
	Reason   DenyReason `json:"reason"`
	Message  string     `json:"message,omitempty"`
}

// NewJoinDenied rejects reasons outside the closed set.
func NewJoinDenied(clientID string, reason DenyReason, message string) (JoinDenied, error) {
	if !reason.Valid() {
		return JoinDenied{}, fmt.Errorf("%w: %q", ErrInvalidDenyReason, reason)
	}
	return JoinDenied{Meta: NewMeta(), ClientID: clientID, Reason: reason, Message: message}, nil
}

// JoinSucceeded is the joiner's acknowledgement of JoinAccepted.
type JoinSucceeded struct {
	Meta
	ClientID string `json:"clientId"`
}

// JoinFailed is published by a joiner that gave up waiting.
type JoinFailed struct {
	Meta
	ClientID string `json:"clientId"`
	Message  string `json:"message,omitempty"`
}

// Registered confirms that the tracker committed the client.
type Registered struct {
	Meta
	ClientID  string   `json:"clientId"`
	Endpoints []string `json:"endpoints,omitempty"`
	// Fragments lists the stored fragments the tracker recorded for the client.
	Fragments []string `json:"fragments,omitempty"`
}

// ClientGoodbye is published by a peer leaving the network.
type ClientGoodbye struct {
	Meta
	ClientID string `json:"clientId"`
}

// FileInfoPublished announces a new file recipe.
type FileInfoPublished struct {
	Meta
	File models.FragmentedFile `json:"file"`
}

// DistributionStarted opens a distribution round for one fragment.
type DistributionStarted struct {
	Meta
	FragmentHash string `json:"fragmentHash"`
	Size         int64  `json:"size"`
}

// DistributionRequested volunteers a client as a holder of the fragment.
type DistributionRequested struct {
	Meta
	FragmentHash string `json:"fragmentHash"`
	ClientID     string `json:"clientId"`
}

// DistributionDelivered carries the fragment payload to the requestors.
type DistributionDelivered struct {
	Meta
	FragmentHash string   `json:"fragmentHash"`
	Data         []byte   `json:"data,omitempty"`
	Receivers    []string `json:"receivers,omitempty"`
}

// DistributionObtained confirms that a receiver stored the fragment.
type DistributionObtained struct {
	Meta
	FragmentHash string `json:"fragmentHash"`
	ClientID     string `json:"clientId"`
}

// DistributionFailed reports that a receiver could not store the fragment.
type DistributionFailed struct {
	Meta
	FragmentHash string `json:"fragmentHash"`
	ClientID     string `json:"clientId"`
	Message      string `json:"message,omitempty"`
}

// DistributionEnded closes a round with the clients that confirmed.
type DistributionEnded struct {
	Meta
	FragmentHash string   `json:"fragmentHash"`
	Size         int64    `json:"size"`
	Receivers    []string `json:"receivers,omitempty"`
}

func (Hello) Topic() Topic                 { return TopicHello }
func (Goodbye) Topic() Topic               { return TopicGoodbye }
func (JoinRequested) Topic() Topic         { return TopicJoinRequested }
func (JoinAccepted) Topic() Topic          { return TopicJoinAccepted }
func (JoinDenied) Topic() Topic            { return TopicJoinDenied }
func (JoinSucceeded) Topic() Topic         { return TopicJoinSucceeded }
func (JoinFailed) Topic() Topic            { return TopicJoinFailed }
func (Registered) Topic() Topic            { return TopicRegistered }
func (ClientGoodbye) Topic() Topic         { return TopicClientGoodbye }
func (FileInfoPublished) Topic() Topic     { return TopicFileInfoPublished }
func (DistributionStarted) Topic() Topic   { return TopicDistributionStarted }
func (DistributionRequested) Topic() Topic { return TopicDistributionRequested }
func (DistributionDelivered) Topic() Topic { return TopicDistributionDelivered }
func (DistributionObtained) Topic() Topic  { return TopicDistributionObtained }
func (DistributionFailed) Topic() Topic    { return TopicDistributionFailed }
func (DistributionEnded) Topic() Topic     { return TopicDistributionEnded }
