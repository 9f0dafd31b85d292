package llm

import (
	"fmt"
	"strings"

	"github.com/kaisenye/conduit-backend/internal/chat"
)

const defaultNextStep = "No immediate action required"

func systemPrompt(unitID string, businessName string, senderRole string) string {
	if businessName == "" {
		businessName = "Business"
	}
	return fmt.Sprintf(`You are the Property Manager (%s) for unit %s. You sit between Guests and Vendors and relay information between them.

The current sender is a %s.

Your job:
1. Categorize guest messages:
   - Maintenance or service requests: need a vendor
   - Special requests: need a vendor
   - Emergencies: need a vendor immediately
   - General questions (wifi, amenities, policies): answer directly

2. Guests:
   - Always involve a vendor for maintenance, services and special requests
   - Answer general questions yourself
   - Contact the right vendor at once for emergencies
   - Stay professional and helpful

3. Vendors:
   - State the guest's needs clearly
   - Coordinate scheduling and access
   - Follow up until the request is completed

4. Always:
   - Gather the details a vendor needs before contacting them
   - Confirm understanding and next steps
   - Keep both parties informed of progress

Guest satisfaction comes first. When unsure whether to handle a request yourself, involve the vendor.`,
		businessName, unitID, senderRole)
}

func contextPrompt(state chat.ConversationState, others []chat.User) string {
	names := make([]string, 0, len(others))
	for _, u := range others {
		names = append(names, fmt.Sprintf("%s (%s)", u.Role, u.Name))
	}
	joined := strings.Join(names, ", ")
	if joined == "" {
		joined = "None yet"
	}
	return fmt.Sprintf("Current conversation state: %s.\nOther participants: %s.", state, joined)
}

// historyLine renders a stored message as "ROLE (Name): body".
// A nil sender is the Business agent.
func historyLine(m chat.Message) (role string, name string, line string) {
	role, name = string(chat.RoleBusiness), "Business"
	if m.Sender != nil {
		role, name = string(m.Sender.Role), m.Sender.Name
	}
	return role, name, fmt.Sprintf("%s (%s): %s", role, name, m.Body)
}

func analysisPrompt(cl chat.Classification) string {
	return fmt.Sprintf("Based on analysis, this message has intent: %s, conversation state: %s, next party to contact: %s, and next step: %s.",
		cl.Intent, cl.ConversationState, cl.NextParty, cl.NextStep)
}

func relayPrompt(originalBody, situation, targetRole string) string {
	return fmt.Sprintf("Original message: \"%s\"\n\nContext: %s\n\nGenerate a natural-sounding response to relay this information to the %s.",
		originalBody, situation, targetRole)
}
