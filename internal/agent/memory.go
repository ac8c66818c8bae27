package agent

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/quantum-forge/a2a-server/internal/protocol"
)

var (
	storePattern    = regexp.MustCompile(`(?:store|save|remember) (.+) as (.+)`)
	retrievePattern = regexp.MustCompile(`(?:retrieve|get|recall) (.+)`)
	deletePattern   = regexp.MustCompile(`(?:delete|remove|forget) (.+)`)
)

// MemoryHandler offers simple key/value storage scoped to the server
// process. Values survive across messages but not restarts.
type MemoryHandler struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryHandler creates the memory agent with an empty store.
func NewMemoryHandler() *MemoryHandler {
	return &MemoryHandler{items: make(map[string]string)}
}

// Name implements Handler.
func (h *MemoryHandler) Name() string { return "memory" }

// ProcessMessage implements Handler.
func (h *MemoryHandler) ProcessMessage(ctx context.Context, message *protocol.Message, skillID string) (*protocol.Message, error) {
	text := strings.ToLower(message.TextContent())
	return protocol.NewTextMessage(h.execute(text)), nil
}

// execute dispatches on verb keywords. Store is checked before
// retrieve so that "save X as Y" never parses as a get; retrieve is
// checked before delete, so "forget" reads as a get ("get" is a
// substring of it).
func (h *MemoryHandler) execute(text string) string {
	switch {
	case strings.Contains(text, "store") || strings.Contains(text, "save") || strings.Contains(text, "remember"):
		if m := storePattern.FindStringSubmatch(text); m != nil {
			return h.store(strings.TrimSpace(m[2]), strings.TrimSpace(m[1]))
		}
		return "Please use the format: 'store [value] as [key]' or 'save [value] as [key]'"
	case strings.Contains(text, "retrieve") || strings.Contains(text, "get") || strings.Contains(text, "recall"):
		if m := retrievePattern.FindStringSubmatch(text); m != nil {
			return h.retrieve(strings.TrimSpace(m[1]))
		}
		return "Please specify what you'd like to retrieve: 'retrieve [key]' or 'get [key]'"
	case strings.Contains(text, "list") || strings.Contains(text, "show"):
		return h.list()
	case strings.Contains(text, "delete") || strings.Contains(text, "remove") || strings.Contains(text, "forget"):
		if m := deletePattern.FindStringSubmatch(text); m != nil {
			return h.delete(strings.TrimSpace(m[1]))
		}
		return "Please specify what you'd like to delete: 'delete [key]' or 'remove [key]'"
	default:
		return "I can help you store, retrieve, list, or delete information. Please specify what you'd like me to do."
	}
}

func (h *MemoryHandler) store(key, value string) string {
	h.mu.Lock()
	h.items[key] = value
	h.mu.Unlock()
	return fmt.Sprintf("Stored '%s' with key '%s'", value, key)
}

func (h *MemoryHandler) retrieve(key string) string {
	h.mu.RLock()
	value, ok := h.items[key]
	h.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("No data found for key '%s'", key)
	}
	return fmt.Sprintf("Retrieved '%s': %s", key, value)
}

func (h *MemoryHandler) list() string {
	h.mu.RLock()
	keys := make([]string, 0, len(h.items))
	for k := range h.items {
		keys = append(keys, k)
	}
	h.mu.RUnlock()

	if len(keys) == 0 {
		return "No data stored in memory"
	}
	sort.Strings(keys)
	return fmt.Sprintf("Stored keys (%d): %s", len(keys), strings.Join(keys, ", "))
}

func (h *MemoryHandler) delete(key string) string {
	h.mu.Lock()
	_, ok := h.items[key]
	if ok {
		delete(h.items, key)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Sprintf("Key '%s' not found", key)
	}
	return fmt.Sprintf("Deleted key '%s'", key)
}

var _ Handler = (*MemoryHandler)(nil)
