// Package agent defines the message handler plug-point and the router
// that picks a handler for each inbound message: explicit targeting by
// name first, then content keyword rules, then the echo fallback.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/common/logger"
	"github.com/quantum-forge/a2a-server/internal/protocol"
)

// ErrUnknownAgent is returned when a message explicitly targets an
// agent name that is not registered.
var ErrUnknownAgent = errors.New("unknown agent")

// Handler processes messages on behalf of a named agent. skillID is
// the optional skill the client asked for; handlers may ignore it.
// Returning an error marks the task failed; explanatory replies for
// malformed requests should be normal messages instead.
type Handler interface {
	Name() string
	ProcessMessage(ctx context.Context, message *protocol.Message, skillID string) (*protocol.Message, error)
}

// ContentRule maps keyword matches in the message text to a registered
// handler. Keywords match as lowercase substrings.
type ContentRule struct {
	Keywords []string
	Handler  string
}

// DefaultRules returns the built-in content routing table. Rules are
// evaluated in order; the first keyword hit wins.
func DefaultRules() []ContentRule {
	return []ContentRule{
		{
			Handler: "calculator",
			Keywords: []string{
				"add", "subtract", "multiply", "divide", "calculate",
				"math", "square", "sqrt", "+", "-", "*", "/",
			},
		},
		{
			Handler:  "analysis",
			Keywords: []string{"weather", "analyze", "analysis"},
		},
		{
			Handler: "memory",
			Keywords: []string{
				"store", "save", "remember", "retrieve", "get", "recall",
				"list", "delete", "remove", "forget", "memory",
			},
		},
	}
}

// Router resolves messages to handlers. The zero rule set disables
// content dispatch, leaving explicit targeting and the fallback.
type Router struct {
	log      *logger.Logger
	fallback Handler
	rules    []ContentRule

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter creates a router with the given fallback handler and
// content rules. The fallback is also registered under its own name.
func NewRouter(fallback Handler, rules []ContentRule, log *logger.Logger) *Router {
	r := &Router{
		log:      log,
		fallback: fallback,
		rules:    rules,
		handlers: make(map[string]Handler),
	}
	r.handlers[fallback.Name()] = fallback
	return r
}

// Register adds a named handler. Registering a name twice replaces the
// previous handler.
func (r *Router) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handler.Name()] = handler
	r.log.Debug("Agent handler registered", zap.String("agent", handler.Name()))
}

// Get returns a handler by name.
func (r *Router) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	return handler, ok
}

// Names returns the registered handler names, sorted.
func (r *Router) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Resolve picks the handler for a message: the explicitly targeted
// agent when metadata names one (unknown names are an error), else the
// first content rule whose keywords match, else the fallback.
func (r *Router) Resolve(message *protocol.Message) (Handler, error) {
	if name := message.TargetAgent(); name != "" {
		handler, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
		}
		return handler, nil
	}

	text := strings.ToLower(message.TextContent())
	for _, rule := range r.rules {
		if !matchesAny(text, rule.Keywords) {
			continue
		}
		if handler, ok := r.Get(rule.Handler); ok {
			return handler, nil
		}
		r.log.Warn("Content rule names unregistered handler", zap.String("handler", rule.Handler))
	}
	return r.fallback, nil
}

// Route resolves and invokes the handler for a message.
func (r *Router) Route(ctx context.Context, message *protocol.Message, skillID string) (*protocol.Message, error) {
	handler, err := r.Resolve(message)
	if err != nil {
		return nil, err
	}
	return handler.ProcessMessage(ctx, message, skillID)
}

func matchesAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}
