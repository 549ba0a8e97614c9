package workerws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	ws "nhooyr.io/websocket"
)

var ErrNoWorker = errors.New("no worker connected")

// Conn is the part of a websocket connection the registry needs.
type Conn interface {
	Write(ctx context.Context, typ ws.MessageType, p []byte) error
	Close(code ws.StatusCode, reason string) error
}

// Registry keeps at most one worker connection per session.
type Registry struct {
	mu    sync.Mutex
	conns map[string]Conn
}

func NewRegistry() *Registry { return &Registry{conns: make(map[string]Conn)} }

// Replace sets the connection for a session and closes the previous one if present.
func (r *Registry) Replace(sessionID string, c Conn) (prevClosed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.conns[sessionID]; ok && old != nil {
		_ = old.Close(ws.StatusNormalClosure, "replaced")
		prevClosed = true
	}
	r.conns[sessionID] = c
	return
}

func (r *Registry) Connected(sessionID string) bool {
	r.mu.Lock(); defer r.mu.Unlock()
	return r.conns[sessionID] != nil
}

// Remove drops c if it is still the session's connection. A replaced
// connection finishing its read loop must not evict its successor.
func (r *Registry) Remove(sessionID string, c Conn) {
	r.mu.Lock(); defer r.mu.Unlock()
	if r.conns[sessionID] == c {
		delete(r.conns, sessionID)
	}
}

// Close disconnects the session's worker, if any.
func (r *Registry) Close(sessionID, reason string) {
	r.mu.Lock()
	c := r.conns[sessionID]
	delete(r.conns, sessionID)
	r.mu.Unlock()
	if c != nil {
		_ = c.Close(ws.StatusNormalClosure, reason)
	}
}

// SendJSON writes v to the session's worker.
func (r *Registry) SendJSON(ctx context.Context, sessionID string, v any) error {
	r.mu.Lock()
	c := r.conns[sessionID]
	r.mu.Unlock()
	if c == nil {
		return ErrNoWorker
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.Write(ctx, ws.MessageText, b); err != nil {
		return err
	}
	metricMessagesOut.Inc()
	return nil
}
