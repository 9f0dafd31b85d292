// Package routing decides, for every classified inbound message, which
// conversations receive an automated Business message and delivers them.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kaisenye/conduit-backend/internal/broadcast"
	"github.com/kaisenye/conduit-backend/internal/chat"
	"github.com/kaisenye/conduit-backend/internal/llm"
)

// Store is the persistence the engine needs. *chat.Repo implements it.
type Store interface {
	GetMessage(ctx context.Context, id uint64) (*chat.Message, error)
	GetConversation(ctx context.Context, id uint64) (*chat.Conversation, error)
	FirstUserByRole(ctx context.Context, role chat.Role) (*chat.User, error)
	ListHistoryBefore(ctx context.Context, conversationID, beforeID uint64, limit int) ([]chat.Message, error)
	ListParticipants(ctx context.Context, conversationID uint64) ([]chat.Participant, error)
	UpdateClassification(ctx context.Context, id uint64, cl chat.Classification) (*chat.Message, error)
	UpdateConversationState(ctx context.Context, id uint64, state chat.ConversationState) error
	InsertMessage(ctx context.Context, m *chat.Message) error
	FindOrCreateVendorConversation(ctx context.Context, unitID string, businessID, vendorID uint64) (*chat.Conversation, bool, error)
	FindGuestConversation(ctx context.Context, unitID string, exclude uint64) (*chat.Conversation, error)
}

type Classifier interface {
	Classify(ctx context.Context, in llm.ClassifyInput) llm.Result
}

type Responder interface {
	Phrase(ctx context.Context, in llm.PhraseInput) string
}

// Actors are the well-known system participants. A zero VendorID is resolved by
// role on every use; a zero BusinessID leaves automated messages without a sender.
type Actors struct {
	BusinessID   uint64
	BusinessName string
	VendorID     uint64
}

type Engine struct {
	store       Store
	classifier  Classifier
	responder   Responder
	pub         broadcast.Publisher
	actors      Actors
	historySize int
	logger      *slog.Logger
}

type Option func(*Engine)

func WithHistorySize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historySize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEngine(store Store, classifier Classifier, responder Responder, pub broadcast.Publisher, actors Actors, opts ...Option) *Engine {
	if pub == nil {
		pub = broadcast.Nop{}
	}
	e := &Engine{
		store:       store,
		classifier:  classifier,
		responder:   responder,
		pub:         pub,
		actors:      actors,
		historySize: 8,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With("component", "routing")
	return e
}

// Outcome reports what one routing pass produced. Err joins the failures of
// every aborted branch; the other branches still ran.
type Outcome struct {
	Classification llm.Result
	Automated      []*chat.Message
	Err            error
}

// inbound is the triggering message with everything the branches share.
type inbound struct {
	msg    *chat.Message
	conv   *chat.Conversation
	sender *chat.User
	parts  []chat.Participant
}

// Route classifies message messageID and runs every eligible directional branch.
func (e *Engine) Route(ctx context.Context, messageID uint64) Outcome {
	in, err := e.load(ctx, messageID)
	if err != nil {
		return Outcome{Err: err}
	}
	if in.sender.Role != chat.RoleGuest && in.sender.Role != chat.RoleVendor {
		return Outcome{}
	}

	res := e.classify(ctx, in)
	out := Outcome{Classification: res}

	e.attachClassification(ctx, in, res)

	var errs []error
	collect := func(branch string, msgs []*chat.Message, err error) {
		out.Automated = append(out.Automated, msgs...)
		if err != nil {
			e.logger.Error("routing branch aborted",
				"branch", branch,
				"message_id", in.msg.ID,
				"conversation_id", in.conv.ID,
				"unit_id", in.conv.UnitID,
				"error", err)
			errs = append(errs, fmt.Errorf("%s: %w", branch, err))
		}
	}

	if len(res.Responses) > 0 && res.Action != chat.ActionWaitForResponse {
		msgs, err := e.sendPlannedResponses(ctx, in, res)
		collect("business_responses", msgs, err)
	}
	if res.NextParty == chat.NextVendor && in.sender.Role == chat.RoleGuest {
		msgs, err := e.guestToVendor(ctx, in)
		collect("guest_to_vendor", msgs, err)
	}
	if res.NextParty == chat.NextGuest && in.sender.Role == chat.RoleVendor {
		msgs, err := e.vendorToGuest(ctx, in)
		collect("vendor_to_guest", msgs, err)
	}
	if res.NextParty == chat.NextBoth {
		msgs, err := e.notifyBoth(ctx, in)
		collect("both", msgs, err)
	}

	out.Err = errors.Join(errs...)
	return out
}

func (e *Engine) load(ctx context.Context, messageID uint64) (*inbound, error) {
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load message %d: %w", messageID, err)
	}
	if msg.Sender == nil {
		return nil, fmt.Errorf("message %d has no sender", messageID)
	}
	conv, err := e.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %d: %w", msg.ConversationID, err)
	}
	parts, err := e.store.ListParticipants(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load participants of %d: %w", conv.ID, err)
	}
	return &inbound{msg: msg, conv: conv, sender: msg.Sender, parts: parts}, nil
}

func (e *Engine) classify(ctx context.Context, in *inbound) llm.Result {
	history, err := e.store.ListHistoryBefore(ctx, in.conv.ID, in.msg.ID, e.historySize)
	if err != nil {
		e.logger.Warn("history unavailable, classifying without it",
			"conversation_id", in.conv.ID,
			"error", err)
		history = nil
	}

	others := make([]chat.User, 0, len(in.parts))
	for _, p := range in.parts {
		if p.User != nil && p.UserID != in.sender.ID {
			others = append(others, *p.User)
		}
	}

	return e.classifier.Classify(ctx, llm.ClassifyInput{
		UnitID:            in.conv.UnitID,
		BusinessName:      e.actors.BusinessName,
		Body:              in.msg.Body,
		SenderRole:        in.sender.Role,
		SenderName:        in.sender.Name,
		History:           history,
		CurrentState:      in.conv.ConversationState,
		OtherParticipants: others,
	})
}

// attachClassification stores the result on the message and the conversation.
// Failures are logged; routing continues on the in-memory result.
func (e *Engine) attachClassification(ctx context.Context, in *inbound, res llm.Result) {
	updated, err := e.store.UpdateClassification(ctx, in.msg.ID, res.Classification)
	if err != nil {
		e.logger.Error("persist classification failed", "message_id", in.msg.ID, "error", err)
	} else {
		e.publish(ctx, in.conv.ID, broadcast.EventMessageUpdated, updated)
	}

	if res.Degraded {
		return
	}
	if err := e.store.UpdateConversationState(ctx, in.conv.ID, res.ConversationState); err != nil {
		e.logger.Error("persist conversation state failed",
			"conversation_id", in.conv.ID,
			"state", res.ConversationState,
			"error", err)
	}
}

type automated struct {
	conversationID uint64
	body           string
	intent         chat.Intent
	nextStep       string
}

// deliver inserts one automated Business message and broadcasts it to its conversation.
func (e *Engine) deliver(ctx context.Context, a automated) (*chat.Message, error) {
	m := &chat.Message{
		ConversationID: a.conversationID,
		Body:           a.body,
		IsAutomated:    true,
	}
	if e.actors.BusinessID != 0 {
		bid := e.actors.BusinessID
		m.SenderID = &bid
	}
	if a.intent != "" {
		intent := a.intent
		m.Intent = &intent
	}
	if a.nextStep != "" {
		step := a.nextStep
		m.NextStep = &step
	}
	if err := e.store.InsertMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("insert automated message into %d: %w", a.conversationID, err)
	}

	stored, err := e.store.GetMessage(ctx, m.ID)
	if err != nil {
		// already persisted; broadcast what we have
		stored = m
	}
	e.publish(ctx, a.conversationID, broadcast.EventNewMessage, stored)
	return stored, nil
}

// publish is best-effort: a failed broadcast is logged, never retried.
func (e *Engine) publish(ctx context.Context, conversationID uint64, event string, payload any) {
	env, err := broadcast.NewEnvelope(conversationID, event, payload)
	if err == nil {
		err = e.pub.Publish(ctx, env)
	}
	if err != nil {
		e.logger.Warn("broadcast failed",
			"conversation_id", conversationID,
			"event", event,
			"error", err)
	}
}

func (e *Engine) phrase(ctx context.Context, unitID, body, situation, target, msgType string) string {
	return e.responder.Phrase(ctx, llm.PhraseInput{
		UnitID:       unitID,
		BusinessName: e.actors.BusinessName,
		OriginalBody: body,
		Context:      situation,
		TargetRole:   target,
		MessageType:  msgType,
	})
}

func (e *Engine) vendorID(ctx context.Context) (uint64, error) {
	if e.actors.VendorID != 0 {
		return e.actors.VendorID, nil
	}
	v, err := e.store.FirstUserByRole(ctx, chat.RoleVendor)
	if err != nil {
		return 0, fmt.Errorf("resolve vendor user: %w", err)
	}
	return v.ID, nil
}
