package ai

import (
	"context"
	"encoding/json"
	"errors"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Provider is a plain chat completion backend.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// Tool describes a function the model is forced to call. Parameters is a
// JSON schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type ToolCallRequest struct {
	Messages    []Message
	Tool        Tool
	Temperature *float64
}

// ToolCaller is an optional interface. Providers that implement it return
// the raw JSON arguments the model produced for req.Tool.
type ToolCaller interface {
	CallTool(ctx context.Context, req ToolCallRequest) (json.RawMessage, error)
}

// ErrNoToolCall is returned when the model answered without calling the tool.
var ErrNoToolCall = errors.New("ai: model did not call the requested tool")

func Float(f float64) *float64 { return &f }
