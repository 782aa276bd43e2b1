package domain

import "fmt"

// Kind is the media kind of a producer. A peer owns at most one producer
// per kind.
type Kind string

const (
	KindAudio  Kind = "audio"
	KindVideo  Kind = "video"
	KindScreen Kind = "screen"
)

func ParseKind(raw string) (Kind, error) {
	switch k := Kind(raw); k {
	case KindAudio, KindVideo, KindScreen:
		return k, nil
	default:
		return "", fmt.Errorf("unknown media kind %q", raw)
	}
}
