package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNoGuestConversation = errors.New("no guest conversation for unit")
	ErrNotParticipant      = errors.New("sender is not a participant of the conversation")
)

type Repo struct {
	db *gorm.DB

	// collapses concurrent find-or-create calls for the same unit and vendor in this process
	vendorConvs singleflight.Group
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Users

func (r *Repo) CreateUser(ctx context.Context, u *User) error {
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *Repo) GetUser(ctx context.Context, id uint64) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns users newest first.
func (r *Repo) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// FirstUserByRole returns the oldest user holding role.
func (r *Repo) FirstUserByRole(ctx context.Context, role Role) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).
		Where("role = ?", role).
		Order("id ASC").
		Take(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// Conversations

func (r *Repo) GetConversation(ctx context.Context, id uint64) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateConversation inserts a conversation and its participants in one transaction.
func (r *Repo) CreateConversation(ctx context.Context, unitID string, userIDs []uint64) (*Conversation, error) {
	conv := &Conversation{UnitID: unitID, ConversationState: StateInitialRequest}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		return insertParticipants(tx, conv.ID, userIDs)
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (r *Repo) UpdateConversationState(ctx context.Context, id uint64, state ConversationState) error {
	return r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", id).
		Update("conversation_state", state).Error
}

type UserRef struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

type ConversationSummary struct {
	ID                uint64            `json:"id"`
	UnitID            string            `json:"unitId"`
	ConversationState ConversationState `json:"conversationState"`
	CreatedAt         time.Time         `json:"createdAt"`
	Recipient         *UserRef          `json:"recipient"`
	LastMessage       *Message          `json:"lastMessage"`
}

// ListConversationsByRole returns conversations that include a user with role,
// newest first, each with the first participant of another role and the latest message.
func (r *Repo) ListConversationsByRole(ctx context.Context, role Role) ([]ConversationSummary, error) {
	var convs []Conversation
	if err := r.db.WithContext(ctx).
		Where("id IN (?)", r.db.Model(&Participant{}).
			Select("participants.conversation_id").
			Joins("JOIN users ON users.id = participants.user_id").
			Where("users.role = ?", role)).
		Order("created_at DESC").
		Order("id DESC").
		Find(&convs).Error; err != nil {
		return nil, err
	}

	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		s := ConversationSummary{
			ID:                c.ID,
			UnitID:            c.UnitID,
			ConversationState: c.ConversationState,
			CreatedAt:         c.CreatedAt,
		}

		parts, err := r.ListParticipants(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range parts {
			if p.User != nil && p.User.Role != role {
				s.Recipient = &UserRef{ID: p.User.ID, Name: p.User.Name, Role: p.User.Role}
				break
			}
		}

		var last Message
		err = r.db.WithContext(ctx).
			Preload("Sender").
			Where("conversation_id = ?", c.ID).
			Order("id DESC").
			Take(&last).Error
		switch {
		case err == nil:
			s.LastMessage = &last
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, err
		}

		out = append(out, s)
	}
	return out, nil
}

// Participants

func (r *Repo) ListParticipants(ctx context.Context, conversationID uint64) ([]Participant, error) {
	var parts []Participant
	if err := r.db.WithContext(ctx).
		Preload("User").
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("user_id ASC").
		Find(&parts).Error; err != nil {
		return nil, err
	}
	return parts, nil
}

func (r *Repo) IsParticipant(ctx context.Context, conversationID, userID uint64) (bool, error) {
	var cnt int64
	if err := r.db.WithContext(ctx).Model(&Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&cnt).Error; err != nil {
		return false, err
	}
	return cnt > 0, nil
}

// AddParticipants is idempotent: pairs that already exist are left untouched.
func (r *Repo) AddParticipants(ctx context.Context, conversationID uint64, userIDs ...uint64) error {
	return insertParticipants(r.db.WithContext(ctx), conversationID, userIDs)
}

func insertParticipants(tx *gorm.DB, conversationID uint64, userIDs []uint64) error {
	if len(userIDs) == 0 {
		return nil
	}
	rows := make([]Participant, 0, len(userIDs))
	for _, id := range userIDs {
		if id == 0 {
			continue
		}
		rows = append(rows, Participant{ConversationID: conversationID, UserID: id})
	}
	if len(rows) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// Business<->Vendor conversations

func vendorUnitKey(unitID string, vendorID uint64) string {
	return unitID + "|" + string(RoleBusiness) + "|" + string(RoleVendor) + "|" + strconv.FormatUint(vendorID, 10)
}

// FindVendorConversation returns the first conversation of the unit, in creation order,
// that has vendorID as a participant.
func (r *Repo) FindVendorConversation(ctx context.Context, unitID string, vendorID uint64) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).
		Joins("JOIN participants ON participants.conversation_id = conversations.id").
		Where("conversations.unit_id = ? AND participants.user_id = ?", unitID, vendorID).
		Order("conversations.created_at ASC").
		Order("conversations.id ASC").
		Take(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) getConversationByVendorKey(ctx context.Context, key string) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).Where("vendor_unit_key = ?", key).Take(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

type findOrCreateResult struct {
	conv    *Conversation
	created bool
}

// FindOrCreateVendorConversation resolves the unit's Business<->Vendor conversation
// for vendorID, creating it with both participants when vendorID is not yet in one.
// Concurrent callers settle on the same row: the vendor_unit_key unique index, one
// per unit and vendor, rejects a second insert and the loser returns the winner.
func (r *Repo) FindOrCreateVendorConversation(ctx context.Context, unitID string, businessID, vendorID uint64) (*Conversation, bool, error) {
	key := vendorUnitKey(unitID, vendorID)
	// joined callers share the first caller's call
	ctx = context.WithoutCancel(ctx)
	v, err, _ := r.vendorConvs.Do(key, func() (any, error) {
		existing, err := r.FindVendorConversation(ctx, unitID, vendorID)
		if err == nil {
			return findOrCreateResult{conv: existing}, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}

		conv := &Conversation{
			UnitID:            unitID,
			ConversationState: StateInitialRequest,
			VendorUnitKey:     &key,
		}
		createErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(conv).Error; err != nil {
				return err
			}
			return insertParticipants(tx, conv.ID, []uint64{businessID, vendorID})
		})
		if createErr == nil {
			return findOrCreateResult{conv: conv, created: true}, nil
		}

		winner, getErr := r.getConversationByVendorKey(ctx, key)
		if getErr == nil {
			return findOrCreateResult{conv: winner}, nil
		}
		if errors.Is(getErr, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("create vendor conversation: %w", createErr)
		}
		return nil, getErr
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(findOrCreateResult)
	conv := *res.conv
	return &conv, res.created, nil
}

// FindGuestConversation returns the first conversation of the unit, other than exclude,
// that has a GUEST participant. It never creates one.
func (r *Repo) FindGuestConversation(ctx context.Context, unitID string, exclude uint64) (*Conversation, error) {
	var c Conversation
	err := r.db.WithContext(ctx).
		Joins("JOIN participants ON participants.conversation_id = conversations.id").
		Joins("JOIN users ON users.id = participants.user_id").
		Where("conversations.unit_id = ? AND conversations.id <> ? AND users.role = ?", unitID, exclude, RoleGuest).
		Order("conversations.created_at ASC").
		Order("conversations.id ASC").
		Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoGuestConversation
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Messages

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Omit("Sender").Create(m).Error
}

func (r *Repo) GetMessage(ctx context.Context, id uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).Preload("Sender").First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns a conversation's messages in chronological order.
func (r *Repo) ListMessages(ctx context.Context, conversationID uint64) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Preload("Sender").
		Where("conversation_id = ?", conversationID).
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListHistoryBefore returns up to limit messages older than beforeID, oldest first.
func (r *Repo) ListHistoryBefore(ctx context.Context, conversationID, beforeID uint64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 8
	}
	var desc []Message
	if err := r.db.WithContext(ctx).
		Preload("Sender").
		Where("conversation_id = ? AND id < ?", conversationID, beforeID).
		Order("id DESC").
		Limit(limit).
		Find(&desc).Error; err != nil {
		return nil, err
	}
	// reverse to ASC (oldest -> newest)
	for i, j := 0, len(desc)-1; i < j; i, j = i+1, j-1 {
		desc[i], desc[j] = desc[j], desc[i]
	}
	return desc, nil
}

// UpdateClassification attaches classification metadata and returns the reloaded message.
func (r *Repo) UpdateClassification(ctx context.Context, id uint64, cl Classification) (*Message, error) {
	updates := map[string]any{
		"intent":             cl.Intent,
		"conversation_state": cl.ConversationState,
		"next_party":         cl.NextParty,
		"next_step":          cl.NextStep,
	}
	if len(cl.Responses) > 0 {
		b, err := json.Marshal(cl.Responses)
		if err != nil {
			return nil, err
		}
		updates["responses"] = datatypes.JSON(b)
	}
	if err := r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return nil, err
	}
	return r.GetMessage(ctx, id)
}

// Routing jobs

func (r *Repo) GetJobByID(ctx context.Context, id string) (*RoutingJob, error) {
	var j RoutingJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) GetJobByMessageID(ctx context.Context, messageID uint64) (*RoutingJob, error) {
	var j RoutingJob
	if err := r.db.WithContext(ctx).Where("message_id = ?", messageID).Take(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJobOrGetExisting creates a routing job; if one already exists for the
// message it returns that one instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *RoutingJob) (*RoutingJob, bool, error) {
	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByMessageID(ctx, job.MessageID)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// ClaimJob moves a queued job to running. It reports false when another
// delivery already claimed it.
func (r *Repo) ClaimJob(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&RoutingJob{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, automatedCount int) error {
	return r.db.WithContext(ctx).Model(&RoutingJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":          JobSucceeded,
			"automated_count": automatedCount,
			"error":           nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, automatedCount int, errMsg string) error {
	return r.db.WithContext(ctx).Model(&RoutingJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":          JobFailed,
			"automated_count": automatedCount,
			"error":           errMsg,
		}).Error
}
