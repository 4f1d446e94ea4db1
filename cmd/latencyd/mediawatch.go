package main

import (
	"sync"

	"latencyregulator/internal/regulator"
)

// mediaWatch is a regulator sink that counts, per session, the ticks in a row that
// could not read the buffered range. When a session reaches the limit its id is
// reported once on Lost. Any completed tick resets the count.
type mediaWatch struct {
	limit int
	lost  chan string

	mu     sync.Mutex
	streak map[string]int
}

func newMediaWatch(limit int) *mediaWatch {
	return &mediaWatch{
		limit:  limit,
		lost:   make(chan string, 1),
		streak: make(map[string]int),
	}
}

// Lost delivers ids of sessions whose media source went away.
func (w *mediaWatch) Lost() <-chan string { return w.lost }

func (w *mediaWatch) Publish(s regulator.Sample) {
	w.mu.Lock()
	delete(w.streak, s.SessionID)
	w.mu.Unlock()
}

func (w *mediaWatch) TickSkipped(sessionID, reason string) {
	if reason != regulator.SkipBufferedError {
		return
	}

	w.mu.Lock()
	w.streak[sessionID]++
	hit := w.streak[sessionID] == w.limit
	w.mu.Unlock()

	if hit {
		select {
		case w.lost <- sessionID:
		default:
		}
	}
}

func (w *mediaWatch) SessionClosed(sessionID string) {
	w.mu.Lock()
	delete(w.streak, sessionID)
	w.mu.Unlock()
}
