package llm

import (
	"github.com/kaisenye/conduit-backend/internal/ai"
	"github.com/kaisenye/conduit-backend/internal/chat"
)

func enumOf[T ~string](vals []T) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		out = append(out, string(v))
	}
	return out
}

var extractIntentTool = ai.Tool{
	Name:        "extract_intent",
	Description: "Extract the intent of a user message.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"intent": map[string]any{
				"type":        "string",
				"description": "The intent of the message",
				"enum":        enumOf(chat.ClassifierIntents),
			},
			"conversationState": map[string]any{
				"type":        "string",
				"description": "The current state of the conversation",
				"enum":        enumOf(chat.ConversationStates),
			},
			"nextParty": map[string]any{
				"type":        "string",
				"description": "Which party should be contacted next, if any",
				"enum":        enumOf(chat.NextParties),
			},
			"nextStep": map[string]any{
				"type":        "string",
				"description": "A concise sentence describing the next action needed by the property manager",
			},
		},
		"required": []string{"intent", "conversationState", "nextParty", "nextStep"},
	},
}

var businessResponsesTool = ai.Tool{
	Name:        "generate_business_responses",
	Description: "Generate property manager responses based on intent, conversation state, and next steps.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"responses": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"targetRole": map[string]any{
							"type":        "string",
							"enum":        []string{string(chat.RoleGuest), string(chat.RoleVendor)},
							"description": "The role of the user who should receive this message",
						},
						"reply": map[string]any{
							"type":        "string",
							"description": "Markdown text to send as Property Manager",
						},
						"isImmediate": map[string]any{
							"type":        "boolean",
							"description": "Whether this message should be sent immediately or can be sent later",
							"default":     true,
						},
						"needsConfirmation": map[string]any{
							"type":        "boolean",
							"description": "Whether this message requires confirmation before taking further action",
							"default":     false,
						},
					},
					"required": []string{"targetRole", "reply"},
				},
			},
			"action": map[string]any{
				"type":        "string",
				"enum":        enumOf(chat.Actions),
				"description": "The action the property manager should take",
			},
		},
		"required": []string{"responses", "action"},
	},
}

var naturalResponseTool = ai.Tool{
	Name:        "generate_natural_response",
	Description: "Generate a natural, human-like response for communication between guests and vendors.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"response": map[string]any{
				"type":        "string",
				"description": "A natural, conversational response that sounds human-written",
			},
			"tone": map[string]any{
				"type":        "string",
				"enum":        []string{"professional", "friendly", "urgent", "informative"},
				"description": "The tone of the response",
			},
		},
		"required": []string{"response"},
	},
}
