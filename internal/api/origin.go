package api

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/SimplyPrint/se-broker/internal/logging"
	"github.com/SimplyPrint/se-broker/internal/terminal"
)

// originPolicy decides which browser origins may use the session protocol.
// Requests without an Origin header come from native clients and are always
// accepted. Loopback origins are always accepted; anything else has to be
// listed. "*" accepts every origin.
type originPolicy struct {
	any     bool
	allowed map[string]bool
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: make(map[string]bool, len(origins))}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
		case o == "*":
			p.any = true
		default:
			p.allowed[normalizeOrigin(o)] = true
		}
	}
	return p
}

// check is the websocket.Upgrader CheckOrigin hook.
func (p originPolicy) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if p.allows(origin) {
		return true
	}
	logging.Warn(logging.CatWebSocket, "Rejected WebSocket origin", map[string]any{
		"origin":     origin,
		"remoteAddr": r.RemoteAddr,
	})
	return false
}

func (p originPolicy) allows(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if isLoopbackHost(u.Hostname()) {
		return true
	}
	return p.any || p.allowed[normalizeOrigin(origin)]
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func normalizeOrigin(origin string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
}

// callerForRequest identifies the client of a WebSocket connection. Browser
// clients are the origin that served them and cannot rename themselves;
// native clients start out as their remote address and may declare a name
// with hello.
func callerForRequest(r *http.Request) (caller *terminal.Caller, fromOrigin bool) {
	if origin := r.Header.Get("Origin"); origin != "" {
		return &terminal.Caller{Name: normalizeOrigin(origin)}, true
	}
	return &terminal.Caller{Name: "ws:" + r.RemoteAddr}, false
}
