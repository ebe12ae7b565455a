// Package randname generates bot identities: CSPRNG hex ids (bot-<hex>)
// and curated adjective+noun human names.
package randname

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// BotID returns a new identifier of the form "bot-<16 hex chars>".
func BotID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating bot id: %w", err)
	}
	return "bot-" + hex.EncodeToString(buf), nil
}

// Name returns a random "Adjective Noun" human label, e.g. "Swift Falcon".
// r allows deterministic generation in tests; pass nil to use crypto/rand.
func Name(r RandSource) (string, error) {
	adj, err := pick(adjectives, r)
	if err != nil {
		return "", err
	}
	noun, err := pick(nouns, r)
	if err != nil {
		return "", err
	}
	return strings.Title(adj) + " " + strings.Title(noun), nil
}

// RandSource abstracts the source of randomness so tests can supply a
// deterministic one; nil uses crypto/rand.
type RandSource interface {
	Intn(n int) (int, error)
}

// CryptoSource is the default CSPRNG-backed RandSource.
type CryptoSource struct{}

func (CryptoSource) Intn(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("n must be positive")
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// DeterministicSource is a seeded, non-cryptographic RandSource for tests.
type DeterministicSource struct{ seed uint64 }

func NewDeterministicSource(seed uint64) *DeterministicSource {
	return &DeterministicSource{seed: seed}
}

func (d *DeterministicSource) Intn(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("n must be positive")
	}
	// xorshift64, good enough for reproducible test fixtures, not security.
	d.seed ^= d.seed << 13
	d.seed ^= d.seed >> 7
	d.seed ^= d.seed << 17
	return int(d.seed % uint64(n)), nil
}

func pick(words []string, r RandSource) (string, error) {
	if r == nil {
		r = CryptoSource{}
	}
	idx, err := r.Intn(len(words))
	if err != nil {
		return "", err
	}
	return words[idx], nil
}

// Small fixed word lists; name collisions are fine, only bot ids must be
// unique.
var adjectives = []string{
	"swift", "quiet", "bold", "brisk", "clever", "eager", "gentle", "hardy",
	"keen", "lively", "nimble", "placid", "rapid", "sturdy", "tidy", "vivid",
	"wise", "zesty", "amber", "azure", "coral", "crimson", "golden", "silver",
}

var nouns = []string{
	"falcon", "otter", "badger", "heron", "lynx", "marlin", "osprey", "puma",
	"raven", "sparrow", "tiger", "wolf", "condor", "dolphin", "gecko", "ibis",
	"jackal", "kestrel", "mantis", "narwhal", "ocelot", "panther", "quokka", "stork",
}
