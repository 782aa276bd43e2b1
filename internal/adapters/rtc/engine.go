// Package rtc realizes the media-engine facade on top of pion/webrtc's
// ORTC API. Each transport is an ICE+DTLS stack, producers are RTP
// receivers, consumers are RTP senders fed by a per-producer relay loop.
package rtc

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/averev/huddle/internal/core"
	"github.com/averev/huddle/internal/domain"
)

const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

type Options struct {
	STUNServers []string
	// AudioLevelInterval is how often the level observer samples reports.
	AudioLevelInterval time.Duration
	// AudioLevelThreshold is the dBov attenuation above which a report
	// counts as silence.
	AudioLevelThreshold uint8
	// AudioLevelExtensionID is the RTP header extension id clients use
	// for ssrc-audio-level.
	AudioLevelExtensionID uint8
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.AudioLevelInterval == 0 {
		out.AudioLevelInterval = time.Second
	}
	if out.AudioLevelThreshold == 0 {
		out.AudioLevelThreshold = 70
	}
	if out.AudioLevelExtensionID == 0 {
		out.AudioLevelExtensionID = 1
	}
	return out
}

type Engine struct {
	api  *webrtc.API
	opts Options
	caps json.RawMessage
}

func NewEngine(opts Options) (*Engine, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	if err := me.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, err
	}

	caps, err := json.Marshal(routerCapabilities{
		Codecs: []codecCapability{
			{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		},
		HeaderExtensions: []string{audioLevelURI},
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		api:  webrtc.NewAPI(webrtc.WithMediaEngine(me)),
		opts: opts.withDefaults(),
		caps: caps,
	}, nil
}

type routerCapabilities struct {
	Codecs           []codecCapability `json:"codecs"`
	HeaderExtensions []string          `json:"headerExtensions"`
}

type codecCapability struct {
	MimeType  string `json:"mimeType"`
	ClockRate uint32 `json:"clockRate"`
	Channels  uint16 `json:"channels,omitempty"`
}

func (e *Engine) CreateRouter(context.Context) (core.Router, error) {
	r := &Router{
		engine:   e,
		levels:   make(chan core.AudioLevelEvent, 32),
		done:     make(chan struct{}),
		observed: make(map[string]bool),
		reports:  make(map[string]levelReport),
		byID:     make(map[string]*Producer),
	}
	go r.observeLoop()
	log.Info().Str("module", "rtc").Msg("router created")
	return r, nil
}

type levelReport struct {
	level uint8
	voice bool
	at    time.Time
}

// Router is the shared per-room context: it indexes live producers so
// consumers on other transports can subscribe, and runs the audio-level
// observer.
type Router struct {
	engine *Engine
	levels chan core.AudioLevelEvent
	done   chan struct{}

	mu         sync.Mutex
	observed   map[string]bool
	reports    map[string]levelReport
	byID       map[string]*Producer
	transports []*Transport
	closed     bool

	closeOnce sync.Once
}

func (r *Router) Capabilities() json.RawMessage { return r.engine.caps }

func (r *Router) AudioLevels() <-chan core.AudioLevelEvent { return r.levels }

func (r *Router) ObserveProducer(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed[producerID] = true
}

func (r *Router) UnobserveProducer(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.observed, producerID)
	delete(r.reports, producerID)
}

// CanConsume accepts the pairing when the producer is alive and the
// client's capabilities list a codec matching the producer's.
func (r *Router) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	r.mu.Lock()
	prod, ok := r.byID[producerID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	var caps struct {
		Codecs []struct {
			MimeType string `json:"mimeType"`
		} `json:"codecs"`
	}
	if err := json.Unmarshal(rtpCapabilities, &caps); err != nil {
		return false
	}
	want := prod.codec().MimeType
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, want) {
			return true
		}
	}
	return false
}

// reportLevel is called from audio relay loops for observed producers.
func (r *Router) reportLevel(producerID string, level uint8, voice bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.observed[producerID] {
		return
	}
	r.reports[producerID] = levelReport{level: level, voice: voice, at: time.Now()}
}

// observeLoop emits the loudest recently heard producer every interval, or
// silence when nothing speaks. Deduplication of repeated speakers is the
// coordination layer's job. The loop owns the levels channel and closes it
// on exit.
func (r *Router) observeLoop() {
	ticker := time.NewTicker(r.engine.opts.AudioLevelInterval)
	defer ticker.Stop()
	defer close(r.levels)

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}

		now := time.Now()
		var (
			loudest string
			best    uint8 = 127
		)
		r.mu.Lock()
		for id, rep := range r.reports {
			if now.Sub(rep.at) > 2*r.engine.opts.AudioLevelInterval {
				delete(r.reports, id)
				continue
			}
			// Lower dBov attenuation means louder.
			if rep.level < best && rep.level < r.engine.opts.AudioLevelThreshold {
				best = rep.level
				loudest = id
			}
		}
		r.mu.Unlock()

		select {
		case r.levels <- core.AudioLevelEvent{ProducerID: loudest}:
		default:
			// The monitor is behind; dropping a sample is fine.
		}
	}
}

func (r *Router) registerTransport(t *Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports = append(r.transports, t)
}

func (r *Router) registerProducer(p *Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[p.id] = p
}

func (r *Router) unregisterProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	delete(r.observed, id)
	delete(r.reports, id)
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	return p, ok
}

func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		transports := append([]*Transport(nil), r.transports...)
		r.mu.Unlock()

		for _, t := range transports {
			t.Close()
		}
		close(r.done)
		log.Info().Str("module", "rtc").Msg("router closed")
	})
}

func codecForKind(kind domain.Kind) webrtc.RTPCodecCapability {
	if kind == domain.KindAudio {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}
