package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jkaninda/toolgate/internal/audit"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

// handleAuditStream upgrades to a WebSocket and pushes every new audit entry
// as one JSON message. Optional tool_id and status query parameters filter
// the stream. Entries are dropped for clients that fall behind.
func (g *Gateway) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if len(g.config.APIKeys) > 0 {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if g.lookupKey(token) == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	filter := audit.Filter{
		ToolID: r.URL.Query().Get("tool_id"),
		Status: audit.Status(r.URL.Query().Get("status")),
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Client messages are ignored; CloseRead cancels ctx once the peer leaves.
	ctx := conn.CloseRead(r.Context())
	entries, cancel := g.deps.Hub.Subscribe(streamBuffer)
	defer cancel()

	g.logger.Debug("audit stream opened", slog.String("remote", r.RemoteAddr))
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			if !filter.Match(&e) {
				continue
			}
			if err := writeEntry(ctx, conn, e); err != nil {
				g.logger.Debug("audit stream closed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func writeEntry(ctx context.Context, conn *websocket.Conn, e audit.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}
