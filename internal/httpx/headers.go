package httpx

import (
	"net"
	"net/http"
	"strings"
)

// WebSocketToken is the Upgrade header value the relay accepts.
const WebSocketToken = "websocket"

// IsUpgrade reports whether r asks to switch to the given protocol token.
// The comparison is case-insensitive and ignores surrounding whitespace.
func IsUpgrade(r *http.Request, token string) bool {
	v := strings.TrimSpace(r.Header.Get("Upgrade"))
	return v != "" && strings.EqualFold(v, token)
}

// WantsUpgrade reports whether r carries any Upgrade header at all.
func WantsUpgrade(r *http.Request) bool {
	return strings.TrimSpace(r.Header.Get("Upgrade")) != ""
}

// Subprotocols returns the comma separated Sec-WebSocket-Protocol entries of h,
// trimmed and with empty entries removed. Repeated header lines are concatenated.
func Subprotocols(h http.Header) []string {
	var out []string
	for _, line := range h.Values("Sec-Websocket-Protocol") {
		for _, p := range strings.Split(line, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// RemoteIdentity is a best-effort client address: the first X-Forwarded-For
// entry when present, otherwise the host part of the socket address.
func RemoteIdentity(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return RemoteIPFromAddr(r.RemoteAddr)
}

// RemoteIPFromAddr extracts IP portion from a host:port address.
func RemoteIPFromAddr(addr string) string {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return h
}

// AugmentXFF appends clientIP to the X-Forwarded-For header of h, creating it if needed.
func AugmentXFF(h http.Header, clientIP string) {
	if clientIP == "" {
		return
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+clientIP)
		return
	}
	h.Set("X-Forwarded-For", clientIP)
}
