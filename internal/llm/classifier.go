package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"

	"github.com/kaisenye/conduit-backend/internal/ai"
	"github.com/kaisenye/conduit-backend/internal/chat"
)

type ClassifyInput struct {
	UnitID       string
	BusinessName string
	Body         string
	SenderRole   chat.Role
	SenderName   string
	// chronological, oldest first, without the message being classified
	History           []chat.Message
	CurrentState      chat.ConversationState
	OtherParticipants []chat.User
}

type Result struct {
	chat.Classification
	Action chat.Action
	// Degraded is set when the model call failed and the safe default was used.
	Degraded bool
}

type ClassifierOptions struct {
	Temperature float64
	// second call producing the business response plan
	BusinessResponses    bool
	ResponsesTemperature float64
}

type Classifier struct {
	caller ai.ToolCaller
	opts   ClassifierOptions
	logger *slog.Logger
}

func NewClassifier(caller ai.ToolCaller, opts ClassifierOptions, logger *slog.Logger) *Classifier {
	if opts.Temperature <= 0 {
		opts.Temperature = 0.2
	}
	if opts.ResponsesTemperature <= 0 {
		opts.ResponsesTemperature = 0.7
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{caller: caller, opts: opts, logger: logger.With("component", "classifier")}
}

// SafeDefault is the classification used whenever the model cannot be trusted.
func SafeDefault(current chat.ConversationState) Result {
	if current == "" {
		current = chat.StateInitialRequest
	}
	return Result{
		Classification: chat.Classification{
			Intent:            chat.IntentOther,
			ConversationState: current,
			NextParty:         chat.NextNone,
			NextStep:          defaultNextStep,
		},
		Action:   chat.ActionWaitForResponse,
		Degraded: true,
	}
}

// Classify never fails: transport errors and malformed output yield SafeDefault.
func (c *Classifier) Classify(ctx context.Context, in ClassifyInput) Result {
	current := in.CurrentState
	if current == "" {
		current = chat.StateInitialRequest
	}

	msgs := c.buildMessages(in, current)
	raw, err := c.caller.CallTool(ctx, ai.ToolCallRequest{
		Messages:    msgs,
		Tool:        extractIntentTool,
		Temperature: ai.Float(c.opts.Temperature),
	})
	if err != nil {
		c.logger.Error("classification call failed", "unit_id", in.UnitID, "error", err)
		return SafeDefault(current)
	}

	var parsed struct {
		Intent            string `json:"intent"`
		ConversationState string `json:"conversationState"`
		NextParty         string `json:"nextParty"`
		NextStep          string `json:"nextStep"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		c.logger.Error("classification output malformed", "unit_id", in.UnitID, "error", err)
		return SafeDefault(current)
	}

	res := Result{
		Classification: chat.Classification{
			Intent:            coerce(parsed.Intent, chat.ClassifierIntents, chat.IntentOther),
			ConversationState: coerce(parsed.ConversationState, chat.ConversationStates, current),
			NextParty:         coerce(parsed.NextParty, chat.NextParties, chat.NextNone),
			NextStep:          strings.TrimSpace(parsed.NextStep),
		},
		Action: chat.ActionWaitForResponse,
	}
	if res.NextStep == "" {
		res.NextStep = defaultNextStep
	}

	if c.opts.BusinessResponses {
		res.Responses, res.Action = c.planResponses(ctx, in, msgs, res.Classification)
	}
	return res
}

func (c *Classifier) buildMessages(in ClassifyInput, current chat.ConversationState) []ai.Message {
	msgs := make([]ai.Message, 0, len(in.History)+3)
	msgs = append(msgs,
		ai.Message{Role: "system", Content: systemPrompt(in.UnitID, in.BusinessName, string(in.SenderRole))},
		ai.Message{Role: "system", Content: contextPrompt(current, in.OtherParticipants)},
	)
	for _, m := range in.History {
		role, _, line := historyLine(m)
		speaker := "user"
		if m.SenderID == nil || m.IsAutomated {
			speaker = "assistant"
		}
		msgs = append(msgs, ai.Message{Role: speaker, Content: line, Name: role})
	}
	msgs = append(msgs, ai.Message{
		Role:    "user",
		Content: string(in.SenderRole) + " (" + in.SenderName + "): " + in.Body,
		Name:    string(in.SenderRole),
	})
	return msgs
}

// planResponses asks for the business response plan. Any failure means "no plan".
func (c *Classifier) planResponses(ctx context.Context, in ClassifyInput, msgs []ai.Message, cl chat.Classification) ([]chat.BusinessResponse, chat.Action) {
	withAnalysis := append(slices.Clone(msgs), ai.Message{Role: "system", Content: analysisPrompt(cl)})
	raw, err := c.caller.CallTool(ctx, ai.ToolCallRequest{
		Messages:    withAnalysis,
		Tool:        businessResponsesTool,
		Temperature: ai.Float(c.opts.ResponsesTemperature),
	})
	if err != nil {
		c.logger.Warn("business responses call failed", "unit_id", in.UnitID, "error", err)
		return nil, chat.ActionWaitForResponse
	}

	var parsed struct {
		Responses []struct {
			TargetRole        string `json:"targetRole"`
			Reply             string `json:"reply"`
			IsImmediate       *bool  `json:"isImmediate"`
			NeedsConfirmation bool   `json:"needsConfirmation"`
		} `json:"responses"`
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		c.logger.Warn("business responses malformed", "unit_id", in.UnitID, "error", err)
		return nil, chat.ActionWaitForResponse
	}

	out := make([]chat.BusinessResponse, 0, len(parsed.Responses))
	for _, r := range parsed.Responses {
		role := chat.Role(strings.ToUpper(strings.TrimSpace(r.TargetRole)))
		if (role != chat.RoleGuest && role != chat.RoleVendor) || strings.TrimSpace(r.Reply) == "" {
			continue
		}
		immediate := true
		if r.IsImmediate != nil {
			immediate = *r.IsImmediate
		}
		out = append(out, chat.BusinessResponse{
			TargetRole:        role,
			Reply:             r.Reply,
			IsImmediate:       immediate,
			NeedsConfirmation: r.NeedsConfirmation,
		})
	}
	return out, coerce(parsed.Action, chat.Actions, chat.ActionWaitForResponse)
}

func coerce[T ~string](v string, allowed []T, fallback T) T {
	t := T(strings.ToUpper(strings.TrimSpace(v)))
	if slices.Contains(allowed, t) {
		return t
	}
	return fallback
}
