package agentclient

import (
	"encoding/json"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"

	"github.com/syt100/bastion/internal/protocol"
)

const (
	// PingInterval is how often the agent sends protocol.Ping.
	PingInterval = 20 * time.Second

	// PongTimeout is how long the agent waits for a pong before treating
	// the connection as dead and reconnecting.
	PongTimeout = 60 * time.Second

	reconnectBaseBackoff = 1 * time.Second
	reconnectMaxBackoff  = 30 * time.Second
)

// pongTimedOut reports whether lastPong is older than timeout.
func pongTimedOut(lastPong time.Time, timeout time.Duration, now time.Time) bool {
	return now.Sub(lastPong) > timeout
}

// pingMessage serializes a protocol.Ping as a text frame.
func pingMessage() ([]byte, error) {
	return json.Marshal(protocol.NewPing())
}

// closeMessage is the control frame sent on a clean disconnect.
func closeMessage() []byte {
	return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
}

// reconnectBackoff grows exponentially with jitter, capped at
// reconnectMaxBackoff, the same shape internal/targetstore's WebDAV store
// uses for its own retry backoff.
func reconnectBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := reconnectBaseBackoff * time.Duration(1<<uint(attempt-1))
	if base > reconnectMaxBackoff {
		base = reconnectMaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	total := base + jitter
	if total > reconnectMaxBackoff {
		total = reconnectMaxBackoff
	}
	return total
}
