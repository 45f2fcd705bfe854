// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	// halflife is the time in seconds after which the transient part of
	// a ban score has decayed to half its value.
	halflife = 60
	lambda   = math.Ln2 / halflife

	// lifetime is the age in seconds beyond which the transient part no
	// longer counts.
	lifetime = 1800
)

// dynamicBanScore is the misbehavior score of a peer.  It has a persistent
// part, raised by the jnode handlers for protocol violations, and a
// transient part, raised for flooding, which decays exponentially.
//
// The zero value is ready for use.
type dynamicBanScore struct {
	mtx        sync.Mutex
	lastUnix   int64
	transient  float64
	persistent uint32
}

// String returns the ban score as a human-readable string.
func (s *dynamicBanScore) String() string {
	s.mtx.Lock()
	r := fmt.Sprintf("persistent %d + transient %f at %d = %d as of now",
		s.persistent, s.transient, s.lastUnix, s.int(time.Now()))
	s.mtx.Unlock()
	return r
}

// Int returns the current ban score.
//
// This function is safe for concurrent access.
func (s *dynamicBanScore) Int() uint32 {
	s.mtx.Lock()
	r := s.int(time.Now())
	s.mtx.Unlock()
	return r
}

// Increase raises both parts of the score and returns the result.
//
// This function is safe for concurrent access.
func (s *dynamicBanScore) Increase(persistent, transient uint32) uint32 {
	s.mtx.Lock()
	r := s.increase(persistent, transient, time.Now())
	s.mtx.Unlock()
	return r
}

// Reset clears the score.
//
// This function is safe for concurrent access.
func (s *dynamicBanScore) Reset() {
	s.mtx.Lock()
	s.persistent = 0
	s.transient = 0
	s.lastUnix = 0
	s.mtx.Unlock()
}

// decayed returns the transient part as of t.
func (s *dynamicBanScore) decayed(t time.Time) float64 {
	dt := t.Unix() - s.lastUnix
	if s.transient < 1 || dt < 0 || lifetime < dt {
		return 0
	}
	return s.transient * math.Exp(-1.0*float64(dt)*lambda)
}

// int returns the score as of t.
//
// This function is not safe for concurrent access.
func (s *dynamicBanScore) int(t time.Time) uint32 {
	return s.persistent + uint32(s.decayed(t))
}

// increase raises the score as if it happened at t and returns the result.
//
// This function is not safe for concurrent access.
func (s *dynamicBanScore) increase(persistent, transient uint32, t time.Time) uint32 {
	s.persistent += persistent
	if transient > 0 {
		s.transient = s.decayed(t) + float64(transient)
		s.lastUnix = t.Unix()
	}
	return s.int(t)
}
