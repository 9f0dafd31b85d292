package routing

import (
	"context"
	"fmt"
	"slices"

	"github.com/kaisenye/conduit-backend/internal/chat"
	"github.com/kaisenye/conduit-backend/internal/llm"
)

// guestToVendor acknowledges the guest, resolves the unit's vendor conversation
// and relays the request to the vendor. The acknowledgment is sent even when the
// vendor side cannot be resolved.
func (e *Engine) guestToVendor(ctx context.Context, in *inbound) ([]*chat.Message, error) {
	body := in.msg.Body
	var out []*chat.Message

	ack := e.phrase(ctx, in.conv.UnitID, body,
		fmt.Sprintf("Guest asked: \"%s\". Let them know you'll contact the service provider.", body),
		string(chat.RoleGuest), llm.TypeAcknowledgment)
	m, err := e.deliver(ctx, automated{conversationID: in.conv.ID, body: ack})
	if err != nil {
		return out, err
	}
	out = append(out, m)

	vendorID, err := e.vendorID(ctx)
	if err != nil {
		return out, err
	}
	vconv, created, err := e.store.FindOrCreateVendorConversation(ctx, in.conv.UnitID, e.actors.BusinessID, vendorID)
	if err != nil {
		return out, fmt.Errorf("find or create vendor conversation: %w", err)
	}
	if created {
		e.logger.Info("vendor conversation created",
			"conversation_id", vconv.ID,
			"unit_id", in.conv.UnitID)
	}

	relay := e.phrase(ctx, in.conv.UnitID, body,
		fmt.Sprintf("Guest request: \"%s\". Ask the service provider about their availability.", body),
		string(chat.RoleVendor), llm.TypeServiceRequest)
	m, err = e.deliver(ctx, automated{
		conversationID: vconv.ID,
		body:           relay,
		intent:         chat.IntentVendorNotification,
		nextStep:       "Awaiting vendor response for guest request",
	})
	if err != nil {
		return out, err
	}
	return append(out, m), nil
}

// vendorToGuest relays a vendor update to the unit's existing guest conversation.
// Guest conversations are never created here; without one nothing is sent.
func (e *Engine) vendorToGuest(ctx context.Context, in *inbound) ([]*chat.Message, error) {
	gconv, err := e.store.FindGuestConversation(ctx, in.conv.UnitID, in.conv.ID)
	if err != nil {
		return nil, err
	}

	body := in.msg.Body
	var out []*chat.Message

	ack := e.phrase(ctx, in.conv.UnitID, body,
		fmt.Sprintf("Service provider said: \"%s\". Let them know you'll pass this to the guest.", body),
		string(chat.RoleVendor), llm.TypeAcknowledgment)
	m, err := e.deliver(ctx, automated{conversationID: in.conv.ID, body: ack})
	if err != nil {
		return out, err
	}
	out = append(out, m)

	relay := e.phrase(ctx, in.conv.UnitID, body,
		fmt.Sprintf("Service provider update: \"%s\". Relay this to the guest.", body),
		string(chat.RoleGuest), llm.TypeServiceUpdate)
	m, err = e.deliver(ctx, automated{
		conversationID: gconv.ID,
		body:           relay,
		intent:         chat.IntentGuestNotification,
		nextStep:       "Awaiting guest response to vendor update",
	})
	if err != nil {
		return out, err
	}
	return append(out, m), nil
}

// notifyBoth posts one notification into the originating conversation only.
func (e *Engine) notifyBoth(ctx context.Context, in *inbound) ([]*chat.Message, error) {
	body := in.msg.Body
	text := e.phrase(ctx, in.conv.UnitID, body,
		fmt.Sprintf("Important update: \"%s\". Need to notify everyone.", body),
		"BOTH", llm.TypeGeneralNotification)
	m, err := e.deliver(ctx, automated{
		conversationID: in.conv.ID,
		body:           text,
		intent:         chat.IntentGeneralNotification,
		nextStep:       "Awaiting responses from all parties",
	})
	if err != nil {
		return nil, err
	}
	return []*chat.Message{m}, nil
}

// sendPlannedResponses delivers the immediate entries of the business response
// plan into the originating conversation. Deferred entries are skipped.
func (e *Engine) sendPlannedResponses(ctx context.Context, in *inbound, res llm.Result) ([]*chat.Message, error) {
	byRole := make(map[chat.Role][]uint64)
	for _, p := range in.parts {
		if p.User == nil {
			continue
		}
		ids := byRole[p.User.Role]
		if !slices.Contains(ids, p.User.ID) {
			byRole[p.User.Role] = append(ids, p.User.ID)
		}
	}

	var out []*chat.Message
	for _, r := range res.Responses {
		if !r.IsImmediate {
			continue
		}
		targets := byRole[r.TargetRole]
		if len(targets) == 0 {
			continue
		}

		switch res.Action {
		case chat.ActionReplyOnly:
			if !slices.Contains(targets, in.sender.ID) {
				continue
			}
			m, err := e.deliver(ctx, automated{conversationID: in.conv.ID, body: r.Reply})
			if err != nil {
				return out, err
			}
			return append(out, m), nil

		case chat.ActionNotifyOtherParty, chat.ActionConfirmWithBoth, chat.ActionEmergencyNotification:
			m, err := e.deliver(ctx, automated{conversationID: in.conv.ID, body: r.Reply})
			if err != nil {
				return out, err
			}
			out = append(out, m)
			if res.Action == chat.ActionNotifyOtherParty {
				return out, nil
			}
		}
	}
	return out, nil
}
