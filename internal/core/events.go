package core

import (
	"encoding/json"

	"github.com/averev/huddle/internal/domain"
)

// ProducerInfo is the public view of one producer.
type ProducerInfo struct {
	ID   string      `json:"id"`
	Kind domain.Kind `json:"kind"`
}

// PeerProducers is one peer's entry in producer snapshots and
// new_producers broadcasts.
type PeerProducers struct {
	PeerID    domain.PeerID  `json:"peerId"`
	Name      string         `json:"name"`
	Producers []ProducerInfo `json:"producers"`
}

// ParticipantMutation reports a pause/resume toggle to the room.
type ParticipantMutation struct {
	PeerID domain.PeerID `json:"peerId"`
	Paused bool          `json:"paused"`
}

// ProducerClosed is delivered to a consuming peer when the upstream
// producer goes away.
type ProducerClosed struct {
	PeerID     domain.PeerID `json:"peerId"`
	Kind       domain.Kind   `json:"kind"`
	ConsumerID string        `json:"consumerId"`
}

// SpeakerChange names the current active speaker.
type SpeakerChange struct {
	PeerID domain.PeerID `json:"peerId"`
}

// ConsumerDescriptor is the success response of a consume request.
type ConsumerDescriptor struct {
	ConsumerID    string          `json:"consumerId"`
	ProducerID    string          `json:"producerId"`
	Kind          domain.Kind     `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}
