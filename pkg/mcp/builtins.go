package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RegisterStandardBuiltins installs the in-process tools every profile
// can rely on.
func RegisterStandardBuiltins(r *Registry) error {
	builtins := []BuiltinTool{
		{
			Name:        "get_current_time",
			Description: "Get the current date and time, optionally in a specific IANA timezone",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"timezone": {"type": "string", "description": "IANA timezone name, e.g. Europe/Paris"}
				}
			}`),
			Handler: currentTimeHandler,
		},
		{
			Name:        "calculate",
			Description: "Evaluate a basic arithmetic expression with two operands",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"a": {"type": "number"},
					"b": {"type": "number"},
					"operation": {"type": "string", "enum": ["add", "subtract", "multiply", "divide"]}
				},
				"required": ["a", "b", "operation"]
			}`),
			Handler: calculateHandler,
		},
	}

	for _, tool := range builtins {
		if err := r.RegisterBuiltin(tool); err != nil {
			return err
		}
	}
	return nil
}

func currentTimeHandler(_ context.Context, args map[string]interface{}) (string, error) {
	now := time.Now()
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		now = now.In(loc)
	}
	return now.Format("Monday, January 2, 2006 15:04:05 MST"), nil
}

func calculateHandler(_ context.Context, args map[string]interface{}) (string, error) {
	a, aok := args["a"].(float64)
	b, bok := args["b"].(float64)
	op, _ := args["operation"].(string)
	if !aok || !bok {
		return "", fmt.Errorf("operands must be numbers")
	}

	var result float64
	switch op {
	case "add":
		result = a + b
	case "subtract":
		result = a - b
	case "multiply":
		result = a * b
	case "divide":
		if b == 0 {
			return "", fmt.Errorf("division by zero")
		}
		result = a / b
	default:
		return "", fmt.Errorf("unknown operation %q", op)
	}
	return fmt.Sprintf("%g", result), nil
}
