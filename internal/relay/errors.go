package relay

import "github.com/pkg/errors"

var (
	// ErrQueueOverflow is the teardown cause when a client sends more than the
	// queue ceiling while the upstream is still connecting.
	ErrQueueOverflow = errors.New("queue overflow")

	// ErrUpstreamUnavailable is the teardown cause when a client frame arrives
	// and the upstream leg is neither connecting nor open.
	ErrUpstreamUnavailable = errors.New("upstream not available")
)
