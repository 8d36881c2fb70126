// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package memcrypto provides a deterministic, in-memory Crypto adapter
// for tests and the example harness. Each address is assigned its own
// HMAC key; Sign/Verify are a real MAC over the signer's key, not a
// stub that always succeeds, so tests exercising signature rejection
// (a forged or tampered vote) behave the way they would against a
// production signer.
package memcrypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"sync"

	aleobft "github.com/luxfi/aleobft"
)

// KeyRing holds the HMAC keys for every committee member, shared by
// every validator's Signer so each can Verify any other's signatures.
type KeyRing struct {
	mu   sync.Mutex
	keys map[aleobft.Address][]byte
}

// NewKeyRing creates an empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[aleobft.Address][]byte)}
}

// Register assigns addr a signing key derived deterministically from
// its own bytes, so a given committee produces the same keys across
// runs without external key material.
func (r *KeyRing) Register(addr aleobft.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[addr]; ok {
		return
	}
	sum := sha256.Sum256(append([]byte("memcrypto-key|"), addr[:]...))
	r.keys[addr] = sum[:]
}

func (r *KeyRing) key(addr aleobft.Address) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[addr]
	return k, ok
}

// Signer is a single validator's view of the KeyRing: it signs as Self
// and can verify any registered address. It satisfies adapters.Crypto.
type Signer struct {
	Self aleobft.Address
	ring *KeyRing
}

// NewSigner returns a Crypto adapter that signs as self using keys,
// registering self in keys first if it is not registered yet.
func NewSigner(self aleobft.Address, keys *KeyRing) *Signer {
	keys.Register(self)
	return &Signer{Self: self, ring: keys}
}

// Hash returns the SHA-256 digest of data as an aleobft.Digest.
func (s *Signer) Hash(data []byte) aleobft.Digest {
	return aleobft.Digest(sha256.Sum256(data))
}

// Sign signs data as Self.
func (s *Signer) Sign(data []byte) aleobft.Signature {
	key, ok := s.ring.key(s.Self)
	if !ok {
		panic("memcrypto: sign requested for unregistered address " + s.Self.String())
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// Verify reports whether sig is a valid signature by signer over data.
func (s *Signer) Verify(signer aleobft.Address, data []byte, sig aleobft.Signature) bool {
	key, ok := s.ring.key(signer)
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), sig)
}
