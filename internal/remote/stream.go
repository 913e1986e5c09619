package remote

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/larderhq/larder"
)

// eventBuffer bounds how many decoded events may sit between the socket and
// the reconciler before the read loop applies backpressure.
const eventBuffer = 64

// Subscribe opens the push event stream at /api/v1/events over WebSocket. It
// returns once the connection is established; the returned channel delivers
// events in emission order and is closed when the stream ends (read error or
// ctx cancellation). Reconnecting is the caller's job — the engine wraps
// Subscribe in a backoff loop.
func (c *Client) Subscribe(ctx context.Context) (<-chan larder.RemoteEvent, error) {
	endpoint := wsURL(c.baseURL) + "/api/v1/events"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialling event stream (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialling event stream: %w", err)
	}

	ch := make(chan larder.RemoteEvent, eventBuffer)

	// Closing the connection on ctx cancellation unblocks the read loop.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	go func() {
		defer close(ch)
		defer func() { _ = conn.Close() }()

		for {
			var we wireEvent
			if err := conn.ReadJSON(&we); err != nil {
				if ctx.Err() == nil {
					c.log.Warn("event stream read failed", "error", err)
				}
				return
			}

			select {
			case ch <- we.toRemoteEvent():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.log.Debug("event stream connected", "endpoint", endpoint)
	return ch, nil
}

// wsURL rewrites an http(s) base URL to its ws(s) equivalent.
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
