package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPlaybackRejected is returned when the device refuses to start playback
var ErrPlaybackRejected = errors.New("playback rejected")

// Device is the single audio output driven by the controller.
// Duration returns NaN until the current source's metadata is known.
type Device interface {
	SetSource(url string)
	Play(ctx context.Context) error
	Pause()
	Seek(seconds float64) error
	SetVolume(level float64)
	Position() float64
	Duration() float64
	Paused() bool
	Events() <-chan Event
	Close() error
}

// EventKind identifies what happened on the device
type EventKind int

const (
	EventMetadata EventKind = iota
	EventTimeUpdate
	EventPlay
	EventPause
	EventEnded
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMetadata:
		return "metadata"
	case EventTimeUpdate:
		return "timeupdate"
	case EventPlay:
		return "play"
	case EventPause:
		return "pause"
	case EventEnded:
		return "ended"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is emitted by a Device. Err is only set for EventError.
type Event struct {
	Kind EventKind
	Err  error
}

// eventQueue delivers events in order without ever blocking the producer.
// The UI loop reads from the same goroutine that issues device commands,
// so a bounded channel could deadlock.
type eventQueue struct {
	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	out     chan Event
	done    chan struct{}
	once    sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		ev := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.done:
			return
		}
	}
}

func (q *eventQueue) events() <-chan Event {
	return q.out
}

func (q *eventQueue) close() {
	q.once.Do(func() { close(q.done) })
}
