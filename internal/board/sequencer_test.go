package board

import (
	"sync"
	"testing"
)

func TestSequencerSerializesSameBoard(t *testing.T) {
	sequencer := NewSequencer()

	const workers = 16
	const iterations = 50

	counter := 0
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				_ = sequencer.Do("board-1", func() error {
					counter++
					return nil
				})
			}
		}()
	}
	wg.Wait()

	if counter != workers*iterations {
		t.Fatalf("expected %d serialized increments, got %d", workers*iterations, counter)
	}
}

func TestSequencerDoesNotBlockAcrossBoards(t *testing.T) {
	sequencer := NewSequencer()

	firstHolding := make(chan struct{})
	releaseFirst := make(chan struct{})
	firstDone := make(chan struct{})
	secondDone := make(chan struct{})

	go func() {
		defer close(firstDone)
		_ = sequencer.Do("board-a", func() error {
			close(firstHolding)
			<-releaseFirst
			return nil
		})
	}()

	<-firstHolding
	go func() {
		defer close(secondDone)
		_ = sequencer.Do("board-b", func() error {
			return nil
		})
	}()

	// board-b must complete while board-a's gate is still held.
	<-secondDone
	close(releaseFirst)
	<-firstDone
}

func TestSequencerReclaimsIdleGates(t *testing.T) {
	sequencer := NewSequencer()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sequencer.Do("board-1", func() error { return nil })
			_ = sequencer.Do("board-2", func() error { return nil })
		}()
	}
	wg.Wait()

	if gates := sequencer.ActiveGates(); gates != 0 {
		t.Fatalf("expected idle gates to be reclaimed, got %d", gates)
	}
}

func TestSequencerPropagatesError(t *testing.T) {
	sequencer := NewSequencer()

	err := sequencer.Do("board-1", func() error { return ErrConflict })
	if err != ErrConflict {
		t.Fatalf("expected callback error returned, got %v", err)
	}
	if gates := sequencer.ActiveGates(); gates != 0 {
		t.Fatalf("expected gate released after error, got %d", gates)
	}
}
