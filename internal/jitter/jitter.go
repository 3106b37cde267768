// Package jitter implements the per-speaker reorder buffer: packets are
// held in an ordered map keyed by sequence number,
// playback does not start until the buffered set first reaches
// target_frames, and a forced packet-loss-concealment step bridges gaps
// that would otherwise stall or overflow the buffer.
package jitter

import "time"

// FrameStep is the sequence-number increment of one 20 ms Opus frame.
const FrameStep = 960

// idleTimeout reaps a speaker's stream once nothing has arrived for this
// long. Drain does not report which streams it reaped, so a per-speaker
// decoder held by the caller is not released along with the stream.
const idleTimeout = 8 * time.Second

// Action distinguishes a decoded frame from a concealment instruction.
type Action int

const (
	ActionFrame Action = iota
	ActionConceal
)

// Decode is one unit of output from Drain: either the next frame's raw
// Opus payload, or a concealment instruction for the decoder to run PLC.
type Decode struct {
	Action Action
	Opus   []byte // nil for ActionConceal
}

// ShouldConcealGap is the pure decision function behind the forced-PLC
// rule: conceal and advance
// past a gap when the buffer has hit its depth cap, when it has reached
// its target depth and the visible gap is at least gapPLCTrigger frames,
// or when the caller forces concealment (no packet arrived within one
// media tick) and any gap at all exists.
func ShouldConcealGap(bufferedLen, targetFrames, maxFrames int, gapFrames uint64, forceGapConceal bool) bool {
	const gapPLCTrigger = 2
	if bufferedLen >= maxFrames {
		return true
	}
	if bufferedLen >= targetFrames && gapFrames >= gapPLCTrigger {
		return true
	}
	if forceGapConceal && gapFrames >= 1 {
		return true
	}
	return false
}

// stream holds one speaker's reorder state.
type stream struct {
	expected    uint64
	started     bool
	buffered    map[uint64][]byte
	lastArrival time.Time
}

// Buffer multiplexes per-speaker streams, each governed by the same
// target/max depth tuning. Not safe for concurrent use; the session
// worker's media tick is the sole caller.
type Buffer struct {
	streams map[uint32]*stream
	target  int
	max     int
	late    uint64
}

// New creates a Buffer with the given target/max depth (in 20 ms
// frames). max is raised to target+2 if it would not exceed target, per
// the configured jitter-tuning invariant.
func New(target, max int) *Buffer {
	if target < 1 {
		target = 1
	}
	if max <= target {
		max = target + 2
	}
	return &Buffer{
		streams: make(map[uint32]*stream),
		target:  target,
		max:     max,
	}
}

// SetDepth updates target/max depth for subsequent Drain calls.
func (b *Buffer) SetDepth(target, max int) {
	if target < 1 {
		target = 1
	}
	if max <= target {
		max = target + 2
	}
	b.target, b.max = target, max
}

// Late returns the total number of packets rejected for arriving behind
// the stream's expected sequence.
func (b *Buffer) Late() uint64 { return b.late }

// Push inserts a received packet into senderID's stream, creating the
// stream on first sight. Packets with seq < expected are rejected and
// counted late regardless of whether the stream has started yet — see
// DESIGN.md's Open Question decision on pre-start lateness.
func (b *Buffer) Push(senderID uint32, seq uint64, opus []byte) {
	s, ok := b.streams[senderID]
	if !ok {
		s = &stream{expected: seq, buffered: make(map[uint64][]byte)}
		b.streams[senderID] = s
	}
	s.lastArrival = time.Now()

	if seq < s.expected {
		b.late++
		return
	}

	s.buffered[seq] = opus
	if !s.started && len(s.buffered) >= b.target {
		s.started = true
	}
}

// Drain runs the per-speaker decode loop for the current media tick,
// returning, for each speaker that has started, every Decode its buffer
// state allows this tick (possibly none). forceGapConceal
// signals that nothing at all arrived for that speaker within the last
// tick, which participates in the forced-PLC decision alongside the
// buffer's own target/max thresholds. Stale streams (idle > 8s) are
// reaped and omitted; senderIDs is the map key for the returned results.
func (b *Buffer) Drain(forceGapConceal map[uint32]bool) map[uint32][]Decode {
	now := time.Now()
	out := make(map[uint32][]Decode)
	var stale []uint32

	for id, s := range b.streams {
		if now.Sub(s.lastArrival) > idleTimeout {
			stale = append(stale, id)
			continue
		}
		if !s.started {
			continue
		}
		out[id] = s.drain(b.target, b.max, forceGapConceal[id])
	}

	for _, id := range stale {
		delete(b.streams, id)
	}
	return out
}

// drain pops as many ready frames (and forced concealments) as the
// current buffer state supports.
func (s *stream) drain(target, max int, force bool) []Decode {
	var out []Decode
	for {
		if payload, ok := s.buffered[s.expected]; ok {
			delete(s.buffered, s.expected)
			out = append(out, Decode{Action: ActionFrame, Opus: payload})
			s.expected += FrameStep
			force = false
			continue
		}

		if len(s.buffered) == 0 {
			return out
		}

		smallest := s.minKey()
		gap := (smallest - s.expected) / FrameStep

		if ShouldConcealGap(len(s.buffered), target, max, gap, force) {
			out = append(out, Decode{Action: ActionConceal})
			s.expected = smallest
			force = false
			continue
		}

		return out
	}
}

// minKey returns the smallest buffered sequence number. Only called
// when buffered is non-empty.
func (s *stream) minKey() uint64 {
	first := true
	var min uint64
	for k := range s.buffered {
		if first || k < min {
			min = k
			first = false
		}
	}
	return min
}

// ActiveSenders returns the number of senders whose stream has started.
func (b *Buffer) ActiveSenders() int {
	n := 0
	for _, s := range b.streams {
		if s.started {
			n++
		}
	}
	return n
}

// Reset clears all buffered state (e.g. on disconnect).
func (b *Buffer) Reset() {
	b.streams = make(map[uint32]*stream)
	b.late = 0
}
