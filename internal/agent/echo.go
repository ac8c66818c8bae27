package agent

import (
	"context"

	"github.com/quantum-forge/a2a-server/internal/protocol"
)

// DefaultEchoPrefix is used when no reply prefix is configured.
const DefaultEchoPrefix = "Echo: "

// EchoHandler replies with the message's text parts prefixed; non-text
// parts pass through unchanged. It is the router fallback.
type EchoHandler struct {
	prefix string
}

// NewEchoHandler creates an echo handler with the given reply prefix.
func NewEchoHandler(prefix string) *EchoHandler {
	if prefix == "" {
		prefix = DefaultEchoPrefix
	}
	return &EchoHandler{prefix: prefix}
}

// Name implements Handler.
func (h *EchoHandler) Name() string { return "echo" }

// ProcessMessage implements Handler.
func (h *EchoHandler) ProcessMessage(ctx context.Context, message *protocol.Message, skillID string) (*protocol.Message, error) {
	parts := make([]protocol.Part, 0, len(message.Parts))
	for _, part := range message.Parts {
		if part.Type == protocol.PartTypeText {
			if text, ok := part.Content.(string); ok {
				parts = append(parts, protocol.NewTextPart(h.prefix+text))
				continue
			}
		}
		parts = append(parts, part)
	}
	return &protocol.Message{Parts: parts}, nil
}

var _ Handler = (*EchoHandler)(nil)
