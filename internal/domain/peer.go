// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

const MaxDisplayNameLen = 36

var ErrDisplayNameEmpty = errors.New("display name empty")

// PeerID is a server-generated identity. It is never taken from client
// input, so a reconnecting client cannot impersonate another peer.
type PeerID string

func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

// CleanDisplayName validates and bounds a client-supplied name. The bound
// counts runes, so truncation never splits a multi-byte character.
func CleanDisplayName(raw string) (string, error) {
	if len(raw) == 0 {
		return "", ErrDisplayNameEmpty
	}
	if utf8.RuneCountInString(raw) > MaxDisplayNameLen {
		runes := []rune(raw)
		raw = string(runes[:MaxDisplayNameLen])
	}
	return raw, nil
}
