package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/quantum-forge/a2a-server/internal/protocol"
)

var weatherLocationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`weather in (.+)`),
	regexp.MustCompile(`weather for (.+)`),
	regexp.MustCompile(`weather at (.+)`),
}

// AnalysisHandler answers weather lookups with canned conditions and
// computes basic statistics for any other text.
type AnalysisHandler struct{}

// NewAnalysisHandler creates the analysis agent.
func NewAnalysisHandler() *AnalysisHandler { return &AnalysisHandler{} }

// Name implements Handler.
func (h *AnalysisHandler) Name() string { return "analysis" }

// ProcessMessage implements Handler.
func (h *AnalysisHandler) ProcessMessage(ctx context.Context, message *protocol.Message, skillID string) (*protocol.Message, error) {
	text := message.TextContent()
	if strings.Contains(strings.ToLower(text), "weather") {
		return protocol.NewTextMessage(h.weatherReport(text)), nil
	}
	return protocol.NewTextMessage(h.analyzeText(text)), nil
}

func (h *AnalysisHandler) weatherReport(text string) string {
	location := "unknown location"
	lower := strings.ToLower(text)
	for _, pattern := range weatherLocationPatterns {
		if m := pattern.FindStringSubmatch(lower); m != nil {
			location = strings.TrimSpace(m[1])
			break
		}
	}
	return fmt.Sprintf("Weather for %s: 22°C, Partly cloudy. Humidity: 65%%, Wind: 10 km/h SW", location)
}

func (h *AnalysisHandler) analyzeText(text string) string {
	words := strings.Fields(text)
	sentences := 0
	for _, s := range strings.Split(text, ".") {
		if strings.TrimSpace(s) != "" {
			sentences++
		}
	}
	characters := len([]rune(text))

	var avgWordLength float64
	if len(words) > 0 {
		total := 0
		for _, w := range words {
			total += len([]rune(w))
		}
		avgWordLength = float64(total) / float64(len(words))
	}

	return fmt.Sprintf("Text Analysis: %d words, %d sentences, %d characters. Average word length: %.1f characters.",
		len(words), sentences, characters, avgWordLength)
}

var _ Handler = (*AnalysisHandler)(nil)
