package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaisenye/conduit-backend/internal/broadcast"
	"github.com/kaisenye/conduit-backend/internal/common"
)

var ErrInvalidArgument = errors.New("invalid argument")

// Dispatcher hands a routing job to whatever runs it. It must not block on the routing itself.
type Dispatcher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Service struct {
	repo       *Repo
	pub        broadcast.Publisher
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewService(repo *Repo, pub broadcast.Publisher, dispatcher Dispatcher, logger *slog.Logger) *Service {
	if pub == nil {
		pub = broadcast.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		pub:        pub,
		dispatcher: dispatcher,
		logger:     logger.With("component", "chat"),
	}
}

func (s *Service) Repo() *Repo { return s.repo }

type SendInput struct {
	ConversationID uint64
	SenderID       uint64
	// Role the client claims; the stored role of SenderID wins.
	SenderRole Role
	Body       string
}

func (in SendInput) validate() error {
	if in.ConversationID == 0 || in.SenderID == 0 || strings.TrimSpace(in.Body) == "" {
		return fmt.Errorf("%w: conversationId, senderId and body are required", ErrInvalidArgument)
	}
	return nil
}

// SendMessage is the inbound path: AcceptMessage, then HandOff.
// Routing failures never reach the caller.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (*Message, error) {
	msg, err := s.AcceptMessage(ctx, in)
	if err != nil {
		return nil, err
	}
	s.HandOff(ctx, msg)
	return msg, nil
}

// AcceptMessage persists the message, ensures the sender is a participant and
// broadcasts it. Callers that acknowledge the sender do so before HandOff.
func (s *Service) AcceptMessage(ctx context.Context, in SendInput) (*Message, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetConversation(ctx, in.ConversationID); err != nil {
		return nil, err
	}
	sender, err := s.repo.GetUser(ctx, in.SenderID)
	if err != nil {
		return nil, err
	}
	if in.SenderRole != "" && in.SenderRole != sender.Role {
		s.logger.Warn("sender role mismatch",
			"sender_id", sender.ID,
			"claimed", in.SenderRole,
			"stored", sender.Role)
	}

	// 1) store the message (strong consistency)
	senderID := sender.ID
	msg := &Message{
		ConversationID: in.ConversationID,
		SenderID:       &senderID,
		Body:           in.Body,
	}
	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}

	// 2) first-time senders become participants
	if err := s.repo.AddParticipants(ctx, in.ConversationID, sender.ID); err != nil {
		s.logger.Error("ensure participant failed",
			"conversation_id", in.ConversationID,
			"user_id", sender.ID,
			"error", err)
	}

	msg.Sender = sender
	s.publish(ctx, in.ConversationID, broadcast.EventNewMessage, msg)
	return msg, nil
}

// HandOff creates the routing job for an accepted Guest or Vendor message and
// dispatches it. Routing runs elsewhere.
func (s *Service) HandOff(ctx context.Context, msg *Message) {
	if msg == nil || msg.Sender == nil {
		return
	}
	if msg.Sender.Role == RoleGuest || msg.Sender.Role == RoleVendor {
		s.enqueueRouting(ctx, msg, msg.Sender)
	}
}

func (s *Service) enqueueRouting(ctx context.Context, msg *Message, sender *User) {
	id, err := common.NewULID()
	if err != nil {
		s.logger.Error("routing job id", "message_id", msg.ID, "error", err)
		return
	}
	job, created, err := s.repo.CreateJobOrGetExisting(ctx, &RoutingJob{
		ID:             id,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       sender.ID,
		SenderRole:     sender.Role,
		Status:         JobQueued,
	})
	if err != nil {
		s.logger.Error("create routing job failed", "message_id", msg.ID, "error", err)
		return
	}
	if !created {
		return
	}
	if s.dispatcher == nil {
		s.logger.Warn("no routing dispatcher configured", "job_id", job.ID)
		return
	}
	if err := s.dispatcher.PublishJob(ctx, job.ID); err != nil {
		s.logger.Error("dispatch routing job failed",
			"job_id", job.ID,
			"message_id", msg.ID,
			"error", err)
	}
}

func (s *Service) publish(ctx context.Context, conversationID uint64, event string, payload any) {
	env, err := broadcast.NewEnvelope(conversationID, event, payload)
	if err == nil {
		err = s.pub.Publish(ctx, env)
	}
	if err != nil {
		s.logger.Warn("broadcast failed",
			"conversation_id", conversationID,
			"event", event,
			"error", err)
	}
}

// CreateMessage stores a message from an existing participant without triggering routing.
func (s *Service) CreateMessage(ctx context.Context, in SendInput) (*Message, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetConversation(ctx, in.ConversationID); err != nil {
		return nil, err
	}
	ok, err := s.repo.IsParticipant(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotParticipant
	}

	senderID := in.SenderID
	msg := &Message{ConversationID: in.ConversationID, SenderID: &senderID, Body: in.Body}
	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	stored, err := s.repo.GetMessage(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, in.ConversationID, broadcast.EventNewMessage, stored)
	return stored, nil
}

func (s *Service) ListMessages(ctx context.Context, conversationID uint64) ([]Message, error) {
	if _, err := s.repo.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, conversationID)
}

type CreateUserInput struct {
	Name       string
	Role       Role
	VendorRole *string
}

func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	name := strings.TrimSpace(in.Name)
	role := Role(strings.ToUpper(strings.TrimSpace(string(in.Role))))
	if name == "" || role == "" {
		return nil, fmt.Errorf("%w: name and role are required", ErrInvalidArgument)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, in.Role)
	}
	u := &User{Name: name, Role: role, VendorRole: in.VendorRole}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

func (s *Service) FirstUserByRole(ctx context.Context, role Role) (*User, error) {
	role = Role(strings.ToUpper(string(role)))
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, role)
	}
	return s.repo.FirstUserByRole(ctx, role)
}

func (s *Service) ListConversations(ctx context.Context, role Role) ([]ConversationSummary, error) {
	role = Role(strings.ToUpper(string(role)))
	if role == "" {
		return nil, fmt.Errorf("%w: role query parameter is required", ErrInvalidArgument)
	}
	return s.repo.ListConversationsByRole(ctx, role)
}

// CreateConversation creates a conversation for unitID with exactly two participants.
func (s *Service) CreateConversation(ctx context.Context, unitID string, participants []uint64) (*Conversation, error) {
	unitID = strings.TrimSpace(unitID)
	if unitID == "" || len(participants) != 2 || participants[0] == 0 || participants[1] == 0 {
		return nil, fmt.Errorf("%w: unitId and exactly two participants are required", ErrInvalidArgument)
	}
	if participants[0] == participants[1] {
		return nil, fmt.Errorf("%w: participants must be distinct", ErrInvalidArgument)
	}
	return s.repo.CreateConversation(ctx, unitID, participants)
}

func (s *Service) GetJob(ctx context.Context, id string) (*RoutingJob, error) {
	return s.repo.GetJobByID(ctx, id)
}
