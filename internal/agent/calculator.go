package agent

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/quantum-forge/a2a-server/internal/protocol"
)

var numberPattern = regexp.MustCompile(`-?\d+\.?\d*`)

// CalculatorHandler performs arithmetic over numbers found in the
// message text. Requests it cannot parse get an explanatory reply, not
// an error.
type CalculatorHandler struct{}

// NewCalculatorHandler creates the calculator agent.
func NewCalculatorHandler() *CalculatorHandler { return &CalculatorHandler{} }

// Name implements Handler.
func (h *CalculatorHandler) Name() string { return "calculator" }

// ProcessMessage implements Handler.
func (h *CalculatorHandler) ProcessMessage(ctx context.Context, message *protocol.Message, skillID string) (*protocol.Message, error) {
	text := message.TextContent()
	return protocol.NewTextMessage(h.evaluate(text)), nil
}

// evaluate detects the requested operation the same way the content
// router does: keyword or operator symbol, first match wins.
func (h *CalculatorHandler) evaluate(text string) string {
	lower := strings.ToLower(text)

	switch {
	case strings.Contains(lower, "add") || strings.Contains(text, "+"):
		return h.binaryOp(text, "add")
	case strings.Contains(lower, "subtract") || strings.Contains(text, "-"):
		return h.binaryOp(text, "subtract")
	case strings.Contains(lower, "multiply") || strings.Contains(text, "*") || strings.Contains(lower, "times"):
		return h.binaryOp(text, "multiply")
	case strings.Contains(lower, "divide") || strings.Contains(text, "/"):
		return h.binaryOp(text, "divide")
	case strings.Contains(lower, "square root") || strings.Contains(lower, "sqrt"):
		return h.squareRoot(text)
	case strings.Contains(lower, "square"):
		return h.square(text)
	}

	numbers := numberPattern.FindAllString(text, -1)
	switch {
	case len(numbers) >= 2:
		return fmt.Sprintf("I found numbers %v in your message. Please specify what operation you'd like me to perform (add, subtract, multiply, divide).", numbers)
	case len(numbers) == 1:
		return fmt.Sprintf("I found the number %s. I can square it, find its square root, or perform operations with another number.", numbers[0])
	default:
		return "I'm a calculator agent. I can help you with mathematical operations like addition, subtraction, multiplication, division, squares, and square roots. Please provide numbers and specify the operation."
	}
}

func (h *CalculatorHandler) binaryOp(text, operation string) string {
	a, b, ok := firstTwoNumbers(text)
	if !ok {
		return fmt.Sprintf("I need two numbers to perform %s. Please provide both numbers.", operation)
	}

	var result float64
	switch operation {
	case "add":
		result = a + b
	case "subtract":
		result = a - b
	case "multiply":
		result = a * b
	case "divide":
		if b == 0 {
			return "Calculation error: Cannot divide by zero"
		}
		result = a / b
	}
	return fmt.Sprintf("Calculation: %s %s %s = %s",
		formatNumber(a), operation, formatNumber(b), formatNumber(result))
}

func (h *CalculatorHandler) squareRoot(text string) string {
	a, ok := firstNumber(text)
	if !ok {
		return "I need a number to find its square root."
	}
	if a < 0 {
		return "Calculation error: Cannot take square root of negative number"
	}
	return fmt.Sprintf("Square root of %s = %s", formatNumber(a), formatNumber(math.Sqrt(a)))
}

func (h *CalculatorHandler) square(text string) string {
	a, ok := firstNumber(text)
	if !ok {
		return "I need a number to square it."
	}
	return fmt.Sprintf("%s squared = %s", formatNumber(a), formatNumber(a*a))
}

func firstNumber(text string) (float64, bool) {
	numbers := numberPattern.FindAllString(text, -1)
	if len(numbers) < 1 {
		return 0, false
	}
	a, err := strconv.ParseFloat(numbers[0], 64)
	if err != nil {
		return 0, false
	}
	return a, true
}

func firstTwoNumbers(text string) (float64, float64, bool) {
	numbers := numberPattern.FindAllString(text, -1)
	if len(numbers) < 2 {
		return 0, 0, false
	}
	a, errA := strconv.ParseFloat(numbers[0], 64)
	b, errB := strconv.ParseFloat(numbers[1], 64)
	if errA != nil || errB != nil {
		return 0, 0, false
	}
	return a, b, true
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

var _ Handler = (*CalculatorHandler)(nil)
