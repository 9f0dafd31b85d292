package routing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kaisenye/conduit-backend/internal/broadcast"
	"github.com/kaisenye/conduit-backend/internal/chat"
	"github.com/kaisenye/conduit-backend/internal/llm"
)

type fakeClassifier struct {
	res    llm.Result
	inputs []llm.ClassifyInput
}

func (f *fakeClassifier) Classify(ctx context.Context, in llm.ClassifyInput) llm.Result {
	f.inputs = append(f.inputs, in)
	return f.res
}

type fakeResponder struct{}

func (fakeResponder) Phrase(ctx context.Context, in llm.PhraseInput) string {
	return fmt.Sprintf("[%s/%s] %s", in.TargetRole, in.MessageType, in.OriginalBody)
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []broadcast.Envelope
}

func (p *recordingPublisher) Publish(ctx context.Context, env broadcast.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, env)
	return nil
}

func (p *recordingPublisher) count(event string, conversationID uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.got {
		if e.Event == event && e.ConversationID == conversationID {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) total(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.got {
		if e.Event == event {
			n++
		}
	}
	return n
}

type fixture struct {
	db     *gorm.DB
	repo   *chat.Repo
	pub    *recordingPublisher
	cls    *fakeClassifier
	logs   *bytes.Buffer
	guest  *chat.User
	biz    *chat.User
	vendor *chat.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(chat.Models()...))

	f := &fixture{
		db:   db,
		repo: chat.NewRepo(db),
		pub:  &recordingPublisher{},
		cls:  &fakeClassifier{},
		logs: &bytes.Buffer{},
	}
	f.guest = f.user(t, "Gina", chat.RoleGuest)
	f.biz = f.user(t, "Front Desk", chat.RoleBusiness)
	f.vendor = f.user(t, "Pat the Plumber", chat.RoleVendor)
	return f
}

func (f *fixture) user(t *testing.T, name string, role chat.Role) *chat.User {
	t.Helper()
	u := &chat.User{Name: name, Role: role}
	require.NoError(t, f.repo.CreateUser(context.Background(), u))
	return u
}

func (f *fixture) engine(store Store) *Engine {
	if store == nil {
		store = f.repo
	}
	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewEngine(store, f.cls, fakeResponder{}, f.pub,
		Actors{BusinessID: f.biz.ID, BusinessName: "Front Desk", VendorID: f.vendor.ID},
		WithLogger(logger))
}

func (f *fixture) conversation(t *testing.T, unit string, users ...*chat.User) *chat.Conversation {
	t.Helper()
	ids := make([]uint64, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	c, err := f.repo.CreateConversation(context.Background(), unit, ids)
	require.NoError(t, err)
	return c
}

func (f *fixture) inbound(t *testing.T, conv *chat.Conversation, sender *chat.User, body string) *chat.Message {
	t.Helper()
	sid := sender.ID
	m := &chat.Message{ConversationID: conv.ID, SenderID: &sid, Body: body}
	require.NoError(t, f.repo.InsertMessage(context.Background(), m))
	return m
}

func (f *fixture) automated(t *testing.T, conversationID uint64) []chat.Message {
	t.Helper()
	var msgs []chat.Message
	require.NoError(t, f.db.Where("conversation_id = ? AND is_automated = ?", conversationID, true).
		Order("id ASC").Find(&msgs).Error)
	return msgs
}

func (f *fixture) unitMessages(t *testing.T, unit string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&chat.Message{}).
		Joins("JOIN conversations ON conversations.id = messages.conversation_id").
		Where("conversations.unit_id = ?", unit).
		Count(&n).Error)
	return n
}

func classified(intent chat.Intent, state chat.ConversationState, next chat.NextParty) llm.Result {
	return llm.Result{
		Classification: chat.Classification{
			Intent:            intent,
			ConversationState: state,
			NextParty:         next,
			NextStep:          "next",
		},
		Action: chat.ActionWaitForResponse,
	}
}

func TestRoute_GuestToVendorCreatesVendorConversationOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	guestConv := f.conversation(t, "unit-101", f.guest, f.biz)
	f.cls.res = classified(chat.IntentMaintenanceRequest, chat.StateFindingVendor, chat.NextVendor)

	msg := f.inbound(t, guestConv, f.guest, "The sink is leaking")
	out := f.engine(nil).Route(ctx, msg.ID)
	require.NoError(t, out.Err)
	require.Len(t, out.Automated, 2)

	acks := f.automated(t, guestConv.ID)
	require.Len(t, acks, 1)
	assert.Equal(t, "[GUEST/ACKNOWLEDGMENT] The sink is leaking", acks[0].Body)
	require.NotNil(t, acks[0].SenderID)
	assert.Equal(t, f.biz.ID, *acks[0].SenderID)

	vconv, err := f.repo.FindVendorConversation(ctx, "unit-101", f.vendor.ID)
	require.NoError(t, err)
	require.NotEqual(t, guestConv.ID, vconv.ID)

	relays := f.automated(t, vconv.ID)
	require.Len(t, relays, 1)
	assert.Contains(t, relays[0].Body, "leaking")
	require.NotNil(t, relays[0].Intent)
	assert.Equal(t, chat.IntentVendorNotification, *relays[0].Intent)
	require.NotNil(t, relays[0].NextStep)
	assert.Equal(t, "Awaiting vendor response for guest request", *relays[0].NextStep)

	assert.Equal(t, 1, f.pub.count(broadcast.EventMessageUpdated, guestConv.ID))
	assert.Equal(t, 1, f.pub.count(broadcast.EventNewMessage, guestConv.ID))
	assert.Equal(t, 1, f.pub.count(broadcast.EventNewMessage, vconv.ID))

	// classification is attached to the message and drives the conversation state
	stored, err := f.repo.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Intent)
	assert.Equal(t, chat.IntentMaintenanceRequest, *stored.Intent)
	conv, err := f.repo.GetConversation(ctx, guestConv.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.StateFindingVendor, conv.ConversationState)

	// a second guest message reuses the vendor conversation
	msg2 := f.inbound(t, guestConv, f.guest, "Water is on the floor now")
	out = f.engine(nil).Route(ctx, msg2.ID)
	require.NoError(t, out.Err)

	var vendorConvs int64
	require.NoError(t, f.db.Model(&chat.Participant{}).
		Where("user_id = ?", f.vendor.ID).Count(&vendorConvs).Error)
	assert.Equal(t, int64(1), vendorConvs)
	assert.Len(t, f.automated(t, vconv.ID), 2)
}

func TestRoute_ClassifierSeesHistoryAndOtherParticipants(t *testing.T) {
	f := newFixture(t)
	guestConv := f.conversation(t, "unit-5", f.guest, f.biz)
	f.inbound(t, guestConv, f.guest, "Hello")
	msg := f.inbound(t, guestConv, f.guest, "The sink is leaking")
	f.cls.res = classified(chat.IntentGreeting, chat.StateInitialRequest, chat.NextNone)

	out := f.engine(nil).Route(context.Background(), msg.ID)
	require.NoError(t, out.Err)
	assert.Empty(t, out.Automated)

	require.Len(t, f.cls.inputs, 1)
	in := f.cls.inputs[0]
	assert.Equal(t, "unit-5", in.UnitID)
	assert.Equal(t, chat.RoleGuest, in.SenderRole)
	assert.Equal(t, "Gina", in.SenderName)
	assert.Equal(t, chat.StateInitialRequest, in.CurrentState)
	require.Len(t, in.History, 1)
	assert.Equal(t, "Hello", in.History[0].Body)
	require.Len(t, in.OtherParticipants, 1)
	assert.Equal(t, chat.RoleBusiness, in.OtherParticipants[0].Role)
}

func TestRoute_VendorToGuestWithoutGuestConversation(t *testing.T) {
	f := newFixture(t)
	vconv, _, err := f.repo.FindOrCreateVendorConversation(context.Background(), "unit-9", f.biz.ID, f.vendor.ID)
	require.NoError(t, err)
	f.cls.res = classified(chat.IntentVendorCompletion, chat.StateServiceCompleted, chat.NextGuest)

	msg := f.inbound(t, vconv, f.vendor, "Fixed it")
	before := f.unitMessages(t, "unit-9")

	out := f.engine(nil).Route(context.Background(), msg.ID)

	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, chat.ErrNoGuestConversation)
	assert.Empty(t, out.Automated)
	assert.Equal(t, before, f.unitMessages(t, "unit-9"))
	assert.Equal(t, 0, f.pub.total(broadcast.EventNewMessage))
	assert.Contains(t, f.logs.String(), "level=ERROR")
	assert.Contains(t, f.logs.String(), "no guest conversation")
}

func TestRoute_VendorToGuestRelaysIntoExistingGuestConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	guestConv := f.conversation(t, "unit-9", f.guest, f.biz)
	vconv, _, err := f.repo.FindOrCreateVendorConversation(ctx, "unit-9", f.biz.ID, f.vendor.ID)
	require.NoError(t, err)
	f.cls.res = classified(chat.IntentVendorCompletion, chat.StateServiceCompleted, chat.NextGuest)

	msg := f.inbound(t, vconv, f.vendor, "Fixed it")
	out := f.engine(nil).Route(ctx, msg.ID)
	require.NoError(t, out.Err)

	relays := f.automated(t, guestConv.ID)
	require.Len(t, relays, 1)
	assert.Equal(t, "[GUEST/SERVICE_UPDATE] Fixed it", relays[0].Body)
	assert.Equal(t, chat.IntentGuestNotification, *relays[0].Intent)

	acks := f.automated(t, vconv.ID)
	require.Len(t, acks, 1)
	assert.Equal(t, "[VENDOR/ACKNOWLEDGMENT] Fixed it", acks[0].Body)
}

func TestRoute_BothNotifiesOriginatingConversationOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	guestConv := f.conversation(t, "unit-3", f.guest, f.biz)
	vconv, _, err := f.repo.FindOrCreateVendorConversation(ctx, "unit-3", f.biz.ID, f.vendor.ID)
	require.NoError(t, err)
	f.cls.res = classified(chat.IntentAppointmentConfirmation, chat.StateServiceConfirmed, chat.NextBoth)

	msg := f.inbound(t, guestConv, f.guest, "Tomorrow at 10 works")
	before := f.unitMessages(t, "unit-3")

	out := f.engine(nil).Route(ctx, msg.ID)
	require.NoError(t, out.Err)
	require.Len(t, out.Automated, 1)

	assert.Equal(t, before+1, f.unitMessages(t, "unit-3"))
	notes := f.automated(t, guestConv.ID)
	require.Len(t, notes, 1)
	assert.Equal(t, chat.IntentGeneralNotification, *notes[0].Intent)
	assert.Equal(t, "Awaiting responses from all parties", *notes[0].NextStep)
	assert.Empty(t, f.automated(t, vconv.ID))
}

func TestRoute_DegradedClassificationRoutesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	guestConv := f.conversation(t, "unit-1", f.guest, f.biz)
	require.NoError(t, f.repo.UpdateConversationState(ctx, guestConv.ID, chat.StateSchedulingService))
	f.cls.res = llm.SafeDefault(chat.StateSchedulingService)

	msg := f.inbound(t, guestConv, f.guest, "The sink is leaking")
	out := f.engine(nil).Route(ctx, msg.ID)

	require.NoError(t, out.Err)
	assert.Empty(t, out.Automated)
	assert.Equal(t, 0, f.pub.total(broadcast.EventNewMessage))

	stored, err := f.repo.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "The sink is leaking", stored.Body)
	require.NotNil(t, stored.NextParty)
	assert.Equal(t, chat.NextNone, *stored.NextParty)
	conv, err := f.repo.GetConversation(ctx, guestConv.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.StateSchedulingService, conv.ConversationState)
}

func TestRoute_DeferredResponsesAreNeverBroadcast(t *testing.T) {
	f := newFixture(t)
	guestConv := f.conversation(t, "unit-1", f.guest, f.biz)
	f.cls.res = classified(chat.IntentGeneralQuestion, chat.StateGatheringDetails, chat.NextNone)
	f.cls.res.Action = chat.ActionNotifyOtherParty
	f.cls.res.Responses = []chat.BusinessResponse{
		{TargetRole: chat.RoleGuest, Reply: "later 1", IsImmediate: false},
		{TargetRole: chat.RoleGuest, Reply: "later 2", IsImmediate: false},
	}

	msg := f.inbound(t, guestConv, f.guest, "What's the wifi?")
	out := f.engine(nil).Route(context.Background(), msg.ID)

	require.NoError(t, out.Err)
	assert.Empty(t, out.Automated)
	assert.Equal(t, 0, f.pub.total(broadcast.EventNewMessage))
}

func TestRoute_PlannedResponses(t *testing.T) {
	cases := []struct {
		name      string
		action    chat.Action
		responses []chat.BusinessResponse
		want      []string
	}{
		{
			name:   "reply only answers the sender once",
			action: chat.ActionReplyOnly,
			responses: []chat.BusinessResponse{
				{TargetRole: chat.RoleGuest, Reply: "first", IsImmediate: true},
				{TargetRole: chat.RoleGuest, Reply: "second", IsImmediate: true},
			},
			want: []string{"first"},
		},
		{
			name:   "notify stops after the first delivered entry",
			action: chat.ActionNotifyOtherParty,
			responses: []chat.BusinessResponse{
				{TargetRole: chat.RoleVendor, Reply: "no vendor here", IsImmediate: true},
				{TargetRole: chat.RoleBusiness, Reply: "noted", IsImmediate: true},
				{TargetRole: chat.RoleGuest, Reply: "not reached", IsImmediate: true},
			},
			want: []string{"noted"},
		},
		{
			name:   "confirm with both sends every immediate entry",
			action: chat.ActionConfirmWithBoth,
			responses: []chat.BusinessResponse{
				{TargetRole: chat.RoleGuest, Reply: "a", IsImmediate: true},
				{TargetRole: chat.RoleGuest, Reply: "skipped", IsImmediate: false},
				{TargetRole: chat.RoleBusiness, Reply: "b", IsImmediate: true},
			},
			want: []string{"a", "b"},
		},
		{
			name:   "wait for response sends nothing",
			action: chat.ActionWaitForResponse,
			responses: []chat.BusinessResponse{
				{TargetRole: chat.RoleGuest, Reply: "x", IsImmediate: true},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			guestConv := f.conversation(t, "unit-1", f.guest, f.biz)
			f.cls.res = classified(chat.IntentGeneralQuestion, chat.StateGatheringDetails, chat.NextNone)
			f.cls.res.Action = tc.action
			f.cls.res.Responses = tc.responses

			msg := f.inbound(t, guestConv, f.guest, "What's the wifi?")
			out := f.engine(nil).Route(context.Background(), msg.ID)
			require.NoError(t, out.Err)

			var got []string
			for _, m := range f.automated(t, guestConv.ID) {
				got = append(got, m.Body)
			}
			assert.Equal(t, tc.want, got)
			assert.Equal(t, len(tc.want), f.pub.count(broadcast.EventNewMessage, guestConv.ID))
		})
	}
}

type failingStore struct {
	Store
}

func (failingStore) FindOrCreateVendorConversation(ctx context.Context, unitID string, businessID, vendorID uint64) (*chat.Conversation, bool, error) {
	return nil, false, errors.New("db down")
}

func TestRoute_PersistenceFailureAbortsOnlyThatBranch(t *testing.T) {
	f := newFixture(t)
	guestConv := f.conversation(t, "unit-1", f.guest, f.biz)
	f.cls.res = classified(chat.IntentEmergencyRequest, chat.StateFindingVendor, chat.NextVendor)
	f.cls.res.Action = chat.ActionEmergencyNotification
	f.cls.res.Responses = []chat.BusinessResponse{
		{TargetRole: chat.RoleGuest, Reply: "Help is on the way", IsImmediate: true},
	}

	msg := f.inbound(t, guestConv, f.guest, "There's smoke in the kitchen")
	out := f.engine(failingStore{Store: f.repo}).Route(context.Background(), msg.ID)

	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "guest_to_vendor")
	assert.Contains(t, out.Err.Error(), "db down")

	msgs := f.automated(t, guestConv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Help is on the way", msgs[0].Body)
	assert.Equal(t, "[GUEST/ACKNOWLEDGMENT] There's smoke in the kitchen", msgs[1].Body)

	// the inbound message is untouched
	_, err := f.repo.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
}

func TestRoute_GuestAcknowledgedWhenVendorConversationFails(t *testing.T) {
	f := newFixture(t)
	guestConv := f.conversation(t, "unit-1", f.guest, f.biz)
	f.cls.res = classified(chat.IntentServiceRequest, chat.StateFindingVendor, chat.NextVendor)

	msg := f.inbound(t, guestConv, f.guest, "Can someone fix the sink?")
	out := f.engine(failingStore{Store: f.repo}).Route(context.Background(), msg.ID)

	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "find or create vendor conversation")
	require.Len(t, out.Automated, 1)

	msgs := f.automated(t, guestConv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "[GUEST/ACKNOWLEDGMENT] Can someone fix the sink?", msgs[0].Body)
	assert.Equal(t, int64(2), f.unitMessages(t, "unit-1"))
}

func TestRoute_BusinessSenderIsIgnored(t *testing.T) {
	f := newFixture(t)
	guestConv := f.conversation(t, "unit-1", f.guest, f.biz)
	msg := f.inbound(t, guestConv, f.biz, "Welcome!")

	out := f.engine(nil).Route(context.Background(), msg.ID)
	require.NoError(t, out.Err)
	assert.Empty(t, f.cls.inputs)
}
