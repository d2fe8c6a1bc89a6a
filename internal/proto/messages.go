package proto

import "time"

// SessionRecord is the externally visible view of a live relay session. It is
// what the session registry stores and what the ops API returns.
type SessionRecord struct {
	ID            string    `json:"id"`
	Instance      string    `json:"instance,omitempty"`
	Remote        string    `json:"remote"`
	Path          string    `json:"path"`
	Protocols     []string  `json:"protocols,omitempty"`
	Negotiated    string    `json:"negotiated,omitempty"`
	UpstreamState string    `json:"upstream_state"`
	QueuedBytes   int       `json:"queued_bytes"`
	QueuedFrames  int       `json:"queued_frames"`
	Created       time.Time `json:"created"`
	UpstreamOpen  time.Time `json:"upstream_open,omitempty"`
}

// SessionUpdate carries the mutable part of a SessionRecord.
type SessionUpdate struct {
	UpstreamState string
	Negotiated    string
	QueuedBytes   int
	QueuedFrames  int
	UpstreamOpen  time.Time
}

// Apply copies u into r.
func (r *SessionRecord) Apply(u SessionUpdate) {
	r.UpstreamState = u.UpstreamState
	r.QueuedBytes = u.QueuedBytes
	r.QueuedFrames = u.QueuedFrames
	if u.Negotiated != "" {
		r.Negotiated = u.Negotiated
	}
	if !u.UpstreamOpen.IsZero() {
		r.UpstreamOpen = u.UpstreamOpen
	}
}
