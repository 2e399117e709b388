package board

import "sync"

// Sequencer serializes work per whiteboard. Every accepted write for a given
// board runs strictly one at a time, in arrival order, while boards never
// block each other. Gates are created lazily on first use and reclaimed once
// the last holder releases, so an idle board costs nothing.
type Sequencer struct {
	mu    sync.Mutex
	gates map[string]*boardGate
}

type boardGate struct {
	mu      sync.Mutex
	holders int
}

// NewSequencer returns an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{gates: make(map[string]*boardGate)}
}

// Do runs fn exclusively with respect to all other Do calls for the same
// board identifier. The gate is held across fn, including any storage I/O fn
// performs, so a second write for the board cannot be accepted out of order.
func (s *Sequencer) Do(boardID string, fn func() error) error {
	gate := s.acquire(boardID)
	gate.mu.Lock()
	defer func() {
		gate.mu.Unlock()
		s.release(boardID, gate)
	}()
	return fn()
}

func (s *Sequencer) acquire(boardID string) *boardGate {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate, ok := s.gates[boardID]
	if !ok {
		gate = &boardGate{}
		s.gates[boardID] = gate
	}
	gate.holders++
	return gate
}

func (s *Sequencer) release(boardID string, gate *boardGate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate.holders--
	if gate.holders <= 0 {
		delete(s.gates, boardID)
	}
}

// ActiveGates reports how many boards currently have a live gate.
func (s *Sequencer) ActiveGates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.gates)
}
