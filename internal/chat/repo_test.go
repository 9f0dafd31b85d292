package chat

import (
	"context"
	"strings"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// a single connection keeps the shared in-memory database alive and serializes writers
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func mustUser(t *testing.T, repo *Repo, name string, role Role) *User {
	t.Helper()
	u := &User{Name: name, Role: role}
	if err := repo.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

func TestAddParticipants_Idempotent(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	guest := mustUser(t, repo, "Gina", RoleGuest)
	biz := mustUser(t, repo, "Front Desk", RoleBusiness)

	conv, err := repo.CreateConversation(ctx, "unit-101", []uint64{guest.ID, biz.ID})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := repo.AddParticipants(ctx, conv.ID, guest.ID); err != nil {
			t.Fatalf("add participant attempt %d: %v", i, err)
		}
	}

	var cnt int64
	if err := db.Model(&Participant{}).
		Where("conversation_id = ? AND user_id = ?", conv.ID, guest.ID).
		Count(&cnt).Error; err != nil {
		t.Fatalf("count participants: %v", err)
	}
	if cnt != 1 {
		t.Fatalf("expected exactly 1 participant row, got %d", cnt)
	}

	parts, err := repo.ListParticipants(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(parts))
	}
	if parts[0].User == nil {
		t.Fatalf("expected participant user to be preloaded")
	}
}

func TestFindOrCreateVendorConversation_StableAcrossCalls(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	biz := mustUser(t, repo, "Front Desk", RoleBusiness)
	vendor := mustUser(t, repo, "Pat the Plumber", RoleVendor)

	first, created, err := repo.FindOrCreateVendorConversation(ctx, "unit-7", biz.ID, vendor.ID)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if !created {
		t.Fatalf("expected first call to create the conversation")
	}
	if first.ConversationState != StateInitialRequest {
		t.Fatalf("expected INITIAL_REQUEST, got %s", first.ConversationState)
	}

	second, created, err := repo.FindOrCreateVendorConversation(ctx, "unit-7", biz.ID, vendor.ID)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if created {
		t.Fatalf("expected second call to reuse the conversation")
	}
	if first.ID != second.ID {
		t.Fatalf("expected same conversation id, got %d and %d", first.ID, second.ID)
	}

	for _, uid := range []uint64{biz.ID, vendor.ID} {
		ok, err := repo.IsParticipant(ctx, first.ID, uid)
		if err != nil {
			t.Fatalf("is participant: %v", err)
		}
		if !ok {
			t.Fatalf("expected user %d to be a participant", uid)
		}
	}

	other, _, err := repo.FindOrCreateVendorConversation(ctx, "unit-8", biz.ID, vendor.ID)
	if err != nil {
		t.Fatalf("other unit: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("expected a separate conversation per unit")
	}
}

func TestFindOrCreateVendorConversation_ReusesExistingParticipantConversation(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	biz := mustUser(t, repo, "Front Desk", RoleBusiness)
	vendor := mustUser(t, repo, "Pat the Plumber", RoleVendor)

	existing, err := repo.CreateConversation(ctx, "unit-9", []uint64{biz.ID, vendor.ID})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	got, created, err := repo.FindOrCreateVendorConversation(ctx, "unit-9", biz.ID, vendor.ID)
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	if created || got.ID != existing.ID {
		t.Fatalf("expected existing conversation %d, got %d (created=%v)", existing.ID, got.ID, created)
	}
}

func TestFindOrCreateVendorConversation_SeparateRowPerVendor(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	biz := mustUser(t, repo, "Front Desk", RoleBusiness)
	v1 := mustUser(t, repo, "Pat the Plumber", RoleVendor)
	v2 := mustUser(t, repo, "Sam the Electrician", RoleVendor)

	c1, _, err := repo.FindOrCreateVendorConversation(ctx, "unit-1", biz.ID, v1.ID)
	if err != nil {
		t.Fatalf("find or create v1: %v", err)
	}
	c2, created, err := repo.FindOrCreateVendorConversation(ctx, "unit-1", biz.ID, v2.ID)
	if err != nil {
		t.Fatalf("find or create v2: %v", err)
	}
	if !created || c2.ID == c1.ID {
		t.Fatalf("expected a new conversation for the second vendor, got %d (created=%v)", c2.ID, created)
	}
	ok, err := repo.IsParticipant(ctx, c2.ID, v2.ID)
	if err != nil || !ok {
		t.Fatalf("second vendor should participate in %d: ok=%v err=%v", c2.ID, ok, err)
	}
	ok, err = repo.IsParticipant(ctx, c1.ID, v2.ID)
	if err != nil || ok {
		t.Fatalf("second vendor must not join the first conversation: ok=%v err=%v", ok, err)
	}

	again, created, err := repo.FindOrCreateVendorConversation(ctx, "unit-1", biz.ID, v1.ID)
	if err != nil || created || again.ID != c1.ID {
		t.Fatalf("expected %d for the first vendor, got %v (created=%v err=%v)", c1.ID, again, created, err)
	}
}

func TestFindOrCreateVendorConversation_IgnoresCallerCancellation(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	biz := mustUser(t, repo, "Front Desk", RoleBusiness)
	vendor := mustUser(t, repo, "Pat the Plumber", RoleVendor)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conv, created, err := repo.FindOrCreateVendorConversation(ctx, "unit-5", biz.ID, vendor.ID)
	if err != nil {
		t.Fatalf("find or create with cancelled ctx: %v", err)
	}
	if !created || conv.ID == 0 {
		t.Fatalf("expected a created conversation, got %+v (created=%v)", conv, created)
	}
}

func TestFindOrCreateVendorConversation_ConcurrentCallersSettleOnOneRow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	seed := NewRepo(db)
	biz := mustUser(t, seed, "Front Desk", RoleBusiness)
	vendor := mustUser(t, seed, "Pat the Plumber", RoleVendor)

	const callers = 8
	ids := make([]uint64, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		// separate repos model separate processes: only the unique index can dedupe them
		repo := NewRepo(db)
		go func(i int) {
			defer wg.Done()
			conv, _, err := repo.FindOrCreateVendorConversation(ctx, "unit-42", biz.ID, vendor.ID)
			errs[i] = err
			if conv != nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got conversation %d, caller 0 got %d", i, ids[i], ids[0])
		}
	}

	var cnt int64
	if err := db.Model(&Conversation{}).Where("unit_id = ?", "unit-42").Count(&cnt).Error; err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if cnt != 1 {
		t.Fatalf("expected 1 vendor conversation for the unit, got %d", cnt)
	}
}

func TestFindGuestConversation(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	guest := mustUser(t, repo, "Gina", RoleGuest)
	biz := mustUser(t, repo, "Front Desk", RoleBusiness)
	vendor := mustUser(t, repo, "Pat the Plumber", RoleVendor)

	vendorConv, _, err := repo.FindOrCreateVendorConversation(ctx, "unit-3", biz.ID, vendor.ID)
	if err != nil {
		t.Fatalf("vendor conversation: %v", err)
	}

	if _, err := repo.FindGuestConversation(ctx, "unit-3", vendorConv.ID); err != ErrNoGuestConversation {
		t.Fatalf("expected ErrNoGuestConversation, got %v", err)
	}

	guestConv, err := repo.CreateConversation(ctx, "unit-3", []uint64{guest.ID, biz.ID})
	if err != nil {
		t.Fatalf("guest conversation: %v", err)
	}
	if _, err := repo.CreateConversation(ctx, "unit-4", []uint64{guest.ID, biz.ID}); err != nil {
		t.Fatalf("other unit conversation: %v", err)
	}

	got, err := repo.FindGuestConversation(ctx, "unit-3", vendorConv.ID)
	if err != nil {
		t.Fatalf("find guest conversation: %v", err)
	}
	if got.ID != guestConv.ID {
		t.Fatalf("expected guest conversation %d, got %d", guestConv.ID, got.ID)
	}

	if _, err := repo.FindGuestConversation(ctx, "unit-3", guestConv.ID); err != ErrNoGuestConversation {
		t.Fatalf("expected the excluded conversation to be skipped, got %v", err)
	}
}

func TestListHistoryBefore_ChronologicalAndBounded(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	guest := mustUser(t, repo, "Gina", RoleGuest)
	biz := mustUser(t, repo, "Front Desk", RoleBusiness)
	conv, err := repo.CreateConversation(ctx, "unit-1", []uint64{guest.ID, biz.ID})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	var last *Message
	for i := 0; i < 12; i++ {
		gid := guest.ID
		m := &Message{ConversationID: conv.ID, SenderID: &gid, Body: string(rune('a' + i))}
		if err := repo.InsertMessage(ctx, m); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		last = m
	}

	hist, err := repo.ListHistoryBefore(ctx, conv.ID, last.ID, 8)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 8 {
		t.Fatalf("expected 8 messages, got %d", len(hist))
	}
	if hist[0].Body != "d" || hist[7].Body != "k" {
		t.Fatalf("unexpected window: first=%q last=%q", hist[0].Body, hist[7].Body)
	}
	if hist[0].Sender == nil || hist[0].Sender.Name != "Gina" {
		t.Fatalf("expected sender to be preloaded")
	}
}

func TestRoutingJob_CreateOnceAndClaimOnce(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	job, created, err := repo.CreateJobOrGetExisting(ctx, &RoutingJob{
		ID: "01JOB0000000000000000000A1", MessageID: 5, ConversationID: 1, SenderID: 2,
		SenderRole: RoleGuest, Status: JobQueued,
	})
	if err != nil || !created {
		t.Fatalf("create job: created=%v err=%v", created, err)
	}

	dup, created, err := repo.CreateJobOrGetExisting(ctx, &RoutingJob{
		ID: "01JOB0000000000000000000A2", MessageID: 5, ConversationID: 1, SenderID: 2,
		SenderRole: RoleGuest, Status: JobQueued,
	})
	if err != nil {
		t.Fatalf("duplicate job: %v", err)
	}
	if created || dup.ID != job.ID {
		t.Fatalf("expected existing job %s, got %s (created=%v)", job.ID, dup.ID, created)
	}

	ok, err := repo.ClaimJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = repo.ClaimJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatalf("expected a running job not to be claimed twice")
	}

	if err := repo.MarkJobSucceeded(ctx, job.ID, 2); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	got, err := repo.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != JobSucceeded || got.AutomatedCount != 2 {
		t.Fatalf("unexpected job state: status=%s count=%d", got.Status, got.AutomatedCount)
	}
}
