// Package relay pairs every accepted client websocket with a connection to a
// single fixed upstream and copies frames between the two.
//
// The Gatekeeper decides whether an upgrade attempt may proceed. Each accepted
// client gets a Session that dials the upstream, holds client frames in a
// bounded queue until the upstream handshake finishes, replays them in order,
// and from then on forwards frames in both directions. Any close, error or
// queue overflow on either leg tears the whole Session down.
//
// A Session handles all of its events on one goroutine. Leg readers and the
// upstream dialer only post events to it, so the queue and the leg states need
// no locking and the replay on upstream open always happens before any frame
// read afterwards is forwarded.
package relay
