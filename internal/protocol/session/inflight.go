package session

import (
	"sort"
	"sync"
	"time"
)

// PendingRequest tracks one dispatched request awaiting its response.
type PendingRequest struct {
	Key       uint64
	RequestID uint32
	AppID     uint32
	Method    string
	StartedAt time.Time
}

// Inflight stores pending requests by a per-connection sequence key. Request
// ids come from the gateway and are not guaranteed unique, so the key is
// assigned locally.
type Inflight struct {
	mu    sync.RWMutex
	next  uint64
	items map[uint64]PendingRequest
	// idle is closed while items is empty.
	idle chan struct{}
}

func NewInflight() *Inflight {
	idle := make(chan struct{})
	close(idle)
	return &Inflight{items: make(map[uint64]PendingRequest), idle: idle}
}

// Add registers item and returns its key. Every Add must be paired with a
// Done.
func (f *Inflight) Add(item PendingRequest) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		f.idle = make(chan struct{})
	}
	f.next++
	item.Key = f.next
	f.items[item.Key] = item
	return item.Key
}

func (f *Inflight) SetMethod(key uint64, method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[key]
	if !ok {
		return
	}
	item.Method = method
	f.items[key] = item
}

func (f *Inflight) Done(key uint64) (PendingRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[key]
	if !ok {
		return PendingRequest{}, false
	}
	delete(f.items, key)
	if len(f.items) == 0 {
		close(f.idle)
	}
	return item, true
}

func (f *Inflight) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.items)
}

func (f *Inflight) List() []PendingRequest {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]PendingRequest, 0, len(f.items))
	for _, item := range f.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}

// Wait blocks until every pending request is done or timeout elapses. It
// reports whether the set drained.
func (f *Inflight) Wait(timeout time.Duration) bool {
	f.mu.RLock()
	idle := f.idle
	f.mu.RUnlock()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	}
}
