package internal

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// HandlerFunc processes one inbound event for a connection. Returned errors
// are contained by the router; they never terminate the connection.
type HandlerFunc func(ctx context.Context, client *Client, data json.RawMessage) error

// Router maps event names to handlers. Registration happens once at startup
// from a static table; Dispatch is then safe for concurrent use.
type Router struct {
	log      *zap.Logger
	handlers map[string]HandlerFunc
}

func NewRouter(log *zap.Logger) *Router {
	return &Router{log: log, handlers: make(map[string]HandlerFunc)}
}

// Register stores the handler for an event name. The last registration for a
// given name wins.
func (r *Router) Register(event string, handler HandlerFunc) {
	r.handlers[event] = handler
}

// Dispatch routes one event to its handler. Unknown events are logged and
// dropped. A handler error or panic is logged and reported to the originating
// connection only, as a server_error notice; the connection stays open.
func (r *Router) Dispatch(ctx context.Context, client *Client, event string, data json.RawMessage) {
	handler, ok := r.handlers[event]
	if !ok {
		r.log.Warn("no handler registered for event", zap.String("event", event))
		return
	}
	if err := r.invoke(ctx, client, handler, data); err != nil {
		r.log.Error("handler failed", zap.String("event", event), zap.Error(err))
		client.Emit(EventServerError, serverError{Event: event, Message: "an internal error occurred"})
	}
}

func (r *Router) invoke(ctx context.Context, client *Client, handler HandlerFunc, data json.RawMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return handler(ctx, client, data)
}
