package stream

import (
	"image"
	"sync/atomic"
)

// frameSlot is a bounded buffer where the newest frame always gets in. It is
// safe for one writer and any number of readers.
type frameSlot struct {
	ch      chan image.Image
	evicted atomic.Int64
}

func newFrameSlot(capacity int) *frameSlot {
	if capacity < 1 {
		capacity = 1
	}
	return &frameSlot{ch: make(chan image.Image, capacity)}
}

// push inserts img, evicting the oldest buffered frame while the slot is full
func (s *frameSlot) push(img image.Image) {
	for {
		select {
		case s.ch <- img:
			return
		default:
		}

		select {
		case <-s.ch:
			s.evicted.Add(1)
		default:
		}
	}
}

// latest drains every buffered frame and returns the newest one
func (s *frameSlot) latest() (image.Image, bool) {
	var (
		newest image.Image
		found  bool
	)
	for {
		select {
		case img := <-s.ch:
			newest, found = img, true
		default:
			return newest, found
		}
	}
}

// drain discards buffered frames
func (s *frameSlot) drain() {
	s.latest()
}

func (s *frameSlot) len() int {
	return len(s.ch)
}

func (s *frameSlot) capacity() int {
	return cap(s.ch)
}
