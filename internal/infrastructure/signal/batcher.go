package signal

import (
	"sync"

	"github.com/pion/webrtc/v3"

	"callkit/internal/core/domain"
	"callkit/pkg/sched"
)

// CandidateBatcher accumulates local ICE candidates per call and
// flushes them in one envelope after a quiet period. At full bandwidth
// every candidate flushes immediately.
type CandidateBatcher struct {
	minimizer *Minimizer
	flush     func(callID string, candidates []webrtc.ICECandidateInit)

	mu      sync.Mutex
	pending map[string][]webrtc.ICECandidateInit
	timers  map[string]*sched.Task
}

func NewCandidateBatcher(minimizer *Minimizer, flush func(callID string, candidates []webrtc.ICECandidateInit)) *CandidateBatcher {
	return &CandidateBatcher{
		minimizer: minimizer,
		flush:     flush,
		pending:   make(map[string][]webrtc.ICECandidateInit),
		timers:    make(map[string]*sched.Task),
	}
}

// Add queues a candidate and (re)arms the quiet timer for its call.
func (b *CandidateBatcher) Add(callID string, candidate webrtc.ICECandidateInit, mode domain.NetworkMode) {
	quiet := b.minimizer.BatchQuietPeriod(mode)
	if quiet <= 0 {
		b.flush(callID, []webrtc.ICECandidateInit{candidate})
		return
	}

	b.mu.Lock()
	b.pending[callID] = append(b.pending[callID], candidate)
	task, ok := b.timers[callID]
	if !ok {
		task = &sched.Task{}
		b.timers[callID] = task
	}
	b.mu.Unlock()

	task.Schedule(quiet, func() { b.Flush(callID, mode) })
}

// Flush drains the call's queue through the flush callback, applying
// candidate filtering for the given mode.
func (b *CandidateBatcher) Flush(callID string, mode domain.NetworkMode) {
	b.mu.Lock()
	batch := b.pending[callID]
	delete(b.pending, callID)
	if task, ok := b.timers[callID]; ok {
		task.Cancel()
	}
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	b.flush(callID, b.minimizer.FilterCandidates(batch, mode))
}

// Drop discards a call's queue without flushing.
func (b *CandidateBatcher) Drop(callID string) {
	b.mu.Lock()
	delete(b.pending, callID)
	if task, ok := b.timers[callID]; ok {
		task.Cancel()
		delete(b.timers, callID)
	}
	b.mu.Unlock()
}
