// Package state keeps the registry of live relay sessions that the ops
// endpoints report on. Nothing in the relay reads it back to make decisions;
// a restarted process starts with an empty registry.
package state

import (
	"context"
	"time"

	"github.com/lukasbonthy/EaglerLink/internal/obs"
	"github.com/lukasbonthy/EaglerLink/internal/proto"
)

// Store abstracts the session registry so several relay instances can share
// one view through redis.
type Store interface {
	Add(rec proto.SessionRecord) error
	Update(id string, u proto.SessionUpdate)
	Remove(id string, reason string) bool
	Get(id string) (proto.SessionRecord, bool)
	List() []proto.SessionRecord
	Stats() Stats
	SetReady(ready bool)
	SetClosing(closing bool)
	IsReady() bool
	IsClosing() bool
	Close() error
}

// ClusterLister is implemented by stores that can see sessions of other instances.
type ClusterLister interface {
	ListCluster(ctx context.Context) ([]proto.SessionRecord, error)
}

// Stats is a point in time summary of the registry.
type Stats struct {
	Active        int              `json:"active"`
	Connecting    int              `json:"connecting"`
	QueuedBytes   int              `json:"queued_bytes"`
	TotalSessions int64            `json:"total_sessions"`
	Teardowns     map[string]int64 `json:"teardowns"`
	Now           string           `json:"now"`
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Active":      s.Active,
		"Connecting":  s.Connecting,
		"QueuedBytes": s.QueuedBytes,
		"Total":       s.TotalSessions,
		"Teardowns":   s.Teardowns,
	}
}

// Options selects and configures a Store backend.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyTTL        time.Duration
}

// New creates either an in-memory or Redis-backed store based on opts.
func New(ctx context.Context, opts Options) (Store, error) {
	if opts.RedisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return NewMemory(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": opts.RedisAddr})
	return NewRedis(ctx, opts)
}
