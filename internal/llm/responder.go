package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/kaisenye/conduit-backend/internal/ai"
)

// Message types passed to Phrase.
const (
	TypeAcknowledgment      = "ACKNOWLEDGMENT"
	TypeServiceRequest      = "SERVICE_REQUEST"
	TypeServiceUpdate       = "SERVICE_UPDATE"
	TypeGeneralNotification = "GENERAL_NOTIFICATION"
)

type PhraseInput struct {
	UnitID       string
	BusinessName string
	OriginalBody string
	// situation the relay has to convey, e.g. `Guest request: "...". Ask the service provider ...`
	Context     string
	TargetRole  string
	MessageType string
}

type Responder struct {
	caller      ai.ToolCaller
	temperature float64
	logger      *slog.Logger
}

func NewResponder(caller ai.ToolCaller, temperature float64, logger *slog.Logger) *Responder {
	if temperature <= 0 {
		temperature = 0.7
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{caller: caller, temperature: temperature, logger: logger.With("component", "responder")}
}

// Phrase returns a human-sounding relay text. It falls back to OriginalBody on any failure.
func (r *Responder) Phrase(ctx context.Context, in PhraseInput) string {
	raw, err := r.caller.CallTool(ctx, ai.ToolCallRequest{
		Messages: []ai.Message{
			{Role: "system", Content: systemPrompt(in.UnitID, in.BusinessName, in.TargetRole)},
			{Role: "user", Content: relayPrompt(in.OriginalBody, in.Context, in.TargetRole)},
		},
		Tool:        naturalResponseTool,
		Temperature: ai.Float(r.temperature),
	})
	if err != nil {
		r.logger.Warn("phrase call failed, echoing original",
			"target_role", in.TargetRole,
			"message_type", in.MessageType,
			"error", err)
		return in.OriginalBody
	}

	var parsed struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || strings.TrimSpace(parsed.Response) == "" {
		r.logger.Warn("phrase output unusable, echoing original",
			"target_role", in.TargetRole,
			"message_type", in.MessageType,
			"error", err)
		return in.OriginalBody
	}
	return parsed.Response
}
