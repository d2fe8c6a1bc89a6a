package state

import (
	"sort"
	"sync"
	"time"

	"github.com/lukasbonthy/EaglerLink/internal/obs"
	"github.com/lukasbonthy/EaglerLink/internal/proto"
)

// Memory is the default Store; it only knows about this process.
type Memory struct {
	mu        sync.Mutex
	sessions  map[string]*proto.SessionRecord
	closing   bool
	ready     bool
	total     int64
	teardowns map[string]int64
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		sessions:  make(map[string]*proto.SessionRecord),
		teardowns: make(map[string]int64),
	}
}

func (m *Memory) Add(rec proto.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[rec.ID]; exists {
		return errDuplicate(rec.ID)
	}
	cp := rec
	m.sessions[rec.ID] = &cp
	m.total++
	m.publishLocked()
	return nil
}

func (m *Memory) Update(id string, u proto.SessionUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[id]; ok {
		rec.Apply(u)
		m.publishLocked()
	}
}

func (m *Memory) Remove(id string, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	if reason != "" {
		m.teardowns[reason]++
	}
	m.publishLocked()
	return true
}

func (m *Memory) Get(id string) (proto.SessionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return proto.SessionRecord{}, false
	}
	return *rec, true
}

// List returns the sessions ordered by creation time.
func (m *Memory) List() []proto.SessionRecord {
	m.mu.Lock()
	out := make([]proto.SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, *rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		Active:        len(m.sessions),
		TotalSessions: m.total,
		Teardowns:     make(map[string]int64, len(m.teardowns)),
		Now:           time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range m.teardowns {
		st.Teardowns[k] = v
	}
	for _, rec := range m.sessions {
		if rec.UpstreamState == "connecting" {
			st.Connecting++
		}
		st.QueuedBytes += rec.QueuedBytes
	}
	return st
}

// publishLocked mirrors the registry size into the gauges. Caller holds m.mu.
func (m *Memory) publishLocked() {
	connecting := 0
	for _, rec := range m.sessions {
		if rec.UpstreamState == "connecting" {
			connecting++
		}
	}
	obs.ActiveSessions.Set(float64(len(m.sessions)))
	obs.ConnectingSessions.Set(float64(connecting))
}

func (m *Memory) SetClosing(closing bool) { m.mu.Lock(); m.closing = closing; m.mu.Unlock() }
func (m *Memory) SetReady(ready bool)     { m.mu.Lock(); m.ready = ready; m.mu.Unlock() }
func (m *Memory) IsClosing() bool         { m.mu.Lock(); defer m.mu.Unlock(); return m.closing }
func (m *Memory) IsReady() bool           { m.mu.Lock(); defer m.mu.Unlock(); return m.ready }
func (m *Memory) Close() error            { return nil }
