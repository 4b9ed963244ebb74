package mcp

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/scriptd/internal/streaming"
	"github.com/rendis/scriptd/pkg/schema"
)

// notificationMethod is the MCP method breakpoint hits are pushed with.
const notificationMethod = "notifications/message"

// Notifier pushes breakpoint notifications to watching sessions.
type Notifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewNotifier creates a notifier that pushes via MCP notifications.
func NewNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *Notifier {
	return &Notifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to every session watching scriptID and returns how
// many were reached. Best-effort: expired sessions are dropped silently.
func (n *Notifier) Notify(_ context.Context, scriptID string, payload map[string]any) (int, error) {
	sent := 0
	var errs []error
	for _, sid := range n.sessions.Watchers(scriptID) {
		err := n.mcpServer.SendNotificationToSpecificClient(sid, notificationMethod, payload)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, server.ErrSessionNotFound):
			n.sessions.Remove(sid)
		default:
			errs = append(errs, err)
		}
	}
	return sent, errors.Join(errs...)
}

// relayBreakpoints forwards breakpoint hits published on the hub until ctx
// is done or the returned stop function is called.
func (s *Server) relayBreakpoints(ctx context.Context) (func(), error) {
	ch, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventBreakpointHit},
	})
	if err != nil {
		return nil, err
	}

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-quit:
				return
			case ev := <-ch:
				s.forward(ctx, ev)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			close(quit)
			<-done
		})
	}, nil
}

func (s *Server) forward(ctx context.Context, ev streaming.StreamEvent) {
	payload := maps.Clone(ev.Data())
	if payload == nil {
		payload = map[string]any{"script_id": ev.ScriptID, "run_id": ev.RunID, "node": ev.Path}
	}
	payload["event_type"] = ev.EventType
	if _, err := s.notifier.Notify(ctx, ev.ScriptID, payload); err != nil {
		s.logger.Warn("breakpoint notification failed", "script_id", ev.ScriptID, "error", err)
	}
}
