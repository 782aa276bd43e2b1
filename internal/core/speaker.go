package core

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/averev/huddle/internal/domain"
)

// speakerMonitor consumes the router's audio-level stream and turns it into
// speaking/silence broadcasts. Repeated volume events for the same speaker
// are suppressed; silence is only reported once after a speaker was set.
type speakerMonitor struct {
	room *Room

	mu      sync.Mutex
	current domain.PeerID
}

func newSpeakerMonitor(room *Room) *speakerMonitor {
	return &speakerMonitor{room: room}
}

// run exits when the engine closes the stream (router closed).
func (m *speakerMonitor) run(levels <-chan AudioLevelEvent) {
	for ev := range levels {
		if ev.ProducerID == "" {
			m.onSilence()
			continue
		}
		m.onVolume(ev.ProducerID)
	}
	log.Debug().Str("module", "core.speaker").Str("room", string(m.room.Name)).Msg("audio level stream closed")
}

func (m *speakerMonitor) onVolume(producerID string) {
	owner, ok := m.room.ownerOf(producerID)
	if !ok {
		// Producer already gone; a late level event is not an error.
		return
	}
	m.mu.Lock()
	if m.current == owner.peerID {
		m.mu.Unlock()
		return
	}
	m.current = owner.peerID
	m.mu.Unlock()

	m.room.Broadcast("", EventSpeaking, SpeakerChange{PeerID: owner.peerID})
}

func (m *speakerMonitor) onSilence() {
	m.mu.Lock()
	if m.current == "" {
		m.mu.Unlock()
		return
	}
	m.current = ""
	m.mu.Unlock()

	m.room.Broadcast("", EventSilence, nil)
}

// ActiveSpeaker returns the currently cached speaker, empty when silent.
func (m *speakerMonitor) ActiveSpeaker() domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
