package relay

import (
	"net/http"

	"github.com/lukasbonthy/EaglerLink/internal/httpx"
)

// Router sends every request that asks for a protocol upgrade to Upgrades and
// everything else to Files. Both share the one listener.
type Router struct {
	Upgrades http.Handler
	Files    http.Handler
}

func (rt Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if httpx.WantsUpgrade(r) {
		rt.Upgrades.ServeHTTP(w, r)
		return
	}
	rt.Files.ServeHTTP(w, r)
}
