package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/language"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/voicepipe/go-voice-backend/internal/dify"
	"github.com/voicepipe/go-voice-backend/internal/domain"
	"github.com/voicepipe/go-voice-backend/internal/inflight"
	"github.com/voicepipe/go-voice-backend/internal/platform"
	"github.com/voicepipe/go-voice-backend/internal/policy"
	"github.com/voicepipe/go-voice-backend/internal/reactions"
	"github.com/voicepipe/go-voice-backend/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:voicesvc_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&domain.User{}, &domain.Transcription{}, &domain.ReactionAction{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

//
// Fakes
//

type fakeMessenger struct {
	mu     sync.Mutex
	selfID string

	download    []byte
	downloadErr error
	publishErr  error
	directErr   error
	fetched     *platform.PublishedResult
	fetchErr    error

	nextID     int
	notices    []string
	edits      []string
	deletions  []string
	published  []platform.Result
	markers    []string
	directs    []string
	ephemerals []string
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{selfID: "bot-1", download: []byte("audio")}
}

func (f *fakeMessenger) SelfID() string { return f.selfID }

func (f *fakeMessenger) Download(ctx context.Context, att platform.Attachment) ([]byte, error) {
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return f.download, nil
}

func (f *fakeMessenger) ReplyNotice(ctx context.Context, channelID, replyToID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, text)
	f.nextID++
	return "notice-" + strconv.Itoa(f.nextID), nil
}

func (f *fakeMessenger) EditNotice(ctx context.Context, channelID, noticeID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeMessenger) DeleteNotice(ctx context.Context, channelID, noticeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletions = append(f.deletions, noticeID)
	return nil
}

func (f *fakeMessenger) ReplyEphemeral(ctx context.Context, channelID, replyToID, text string, ttlSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ephemerals = append(f.ephemerals, text)
	return nil
}

func (f *fakeMessenger) PublishResult(ctx context.Context, channelID, replyToID string, res platform.Result) (string, error) {
	if f.publishErr != nil {
		return "", f.publishErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, res)
	f.nextID++
	return "result-" + strconv.Itoa(f.nextID), nil
}

func (f *fakeMessenger) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers = append(f.markers, emoji)
	return nil
}

func (f *fakeMessenger) SendDirect(ctx context.Context, userID, text string) error {
	if f.directErr != nil {
		return f.directErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directs = append(f.directs, text)
	return nil
}

func (f *fakeMessenger) FetchResult(ctx context.Context, channelID, messageID string) (*platform.PublishedResult, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.fetched, nil
}

type fakeGateway struct {
	mu        sync.Mutex
	text      string
	err       error
	failFirst bool
	calls     int
}

func (g *fakeGateway) Transcribe(ctx context.Context, payload []byte, filename, contentType string, rc dify.RequestContext) (string, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if g.failFirst && first {
		return "", fmt.Errorf("%w: transient", dify.ErrWorkflowFailed)
	}
	if g.err != nil {
		return "", g.err
	}
	return g.text, nil
}

type fakePolicy struct {
	blocked map[string]bool
	tier    policy.Tier
	quota   int
}

func (p *fakePolicy) IsBlocked(userID string) bool { return p.blocked[userID] }

func (p *fakePolicy) TierFor(userID string, m policy.Membership) policy.Tier { return p.tier }

func (p *fakePolicy) QuotaFor(t policy.Tier) int { return p.quota }

//
// Harness
//

type voiceFixture struct {
	svc *VoiceService
	db  *gorm.DB
	msg *fakeMessenger
	gw  *fakeGateway
	pol *fakePolicy
}

func newVoiceFixture(t *testing.T) *voiceFixture {
	t.Helper()
	db := newTestDB(t)
	msg := newFakeMessenger()
	gw := &fakeGateway{text: "こんにちは"}
	pol := &fakePolicy{blocked: map[string]bool{}, tier: policy.TierFree, quota: 10}

	svc := &VoiceService{
		DB:                db,
		Gateway:           gw,
		Messenger:         msg,
		Policy:            pol,
		Reactions:         reactions.Default(),
		InFlight:          inflight.New(),
		Language:          language.Japanese,
		ResultMaxRunes:    4000,
		EnableQuota:       true,
		EnablePersistence: true,
		EnableReactions:   true,
		Log:               zerolog.Nop(),
	}
	return &voiceFixture{svc: svc, db: db, msg: msg, gw: gw, pol: pol}
}

func voiceEvent(messageID string) platform.MessageEvent {
	return platform.MessageEvent{
		MessageID:   messageID,
		UserID:      "u1",
		Username:    "alice",
		ChannelID:   "c1",
		ChannelName: "general",
		Attachments: []platform.Attachment{
			{Filename: "clip.wav", Size: 2048, ContentType: "audio/wav", URL: "https://cdn/clip.wav"},
		},
	}
}

//
// Tests
//

func TestHandleInbound_SuccessfulTranscription(t *testing.T) {
	f := newVoiceFixture(t)
	ctx := context.Background()

	if err := f.svc.HandleInbound(ctx, voiceEvent("m1")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	// Stored row with the transcript, linked to the published result.
	tr, err := repo.GetTranscriptionByMessageID(ctx, f.db, "m1")
	if err != nil {
		t.Fatalf("row not stored: %v", err)
	}
	if tr.Transcription != "こんにちは" {
		t.Fatalf("transcript = %q", tr.Transcription)
	}
	if tr.ResultMessageID == "" {
		t.Fatal("result message not linked")
	}

	// Counter moved exactly once.
	u, err := repo.GetUser(ctx, f.db, "u1")
	if err != nil {
		t.Fatalf("user not created: %v", err)
	}
	if u.DailyUsage != 1 || u.TotalUsage != 1 {
		t.Fatalf("counters = %d/%d, want 1/1", u.DailyUsage, u.TotalUsage)
	}

	// Public result published with the transcript and marked for follow-ups.
	if len(f.msg.published) != 1 {
		t.Fatalf("published %d results, want 1", len(f.msg.published))
	}
	if f.msg.published[0].Title != ResultTitle || f.msg.published[0].Body != "こんにちは" {
		t.Fatalf("published result wrong: %+v", f.msg.published[0])
	}
	if len(f.msg.markers) != 2 {
		t.Fatalf("expected the two default markers, got %v", f.msg.markers)
	}

	// Processing notice posted then removed.
	if len(f.msg.notices) != 1 || len(f.msg.deletions) != 1 {
		t.Fatalf("notice lifecycle wrong: notices=%v deletions=%v", f.msg.notices, f.msg.deletions)
	}
}

func TestHandleInbound_IgnoresSelfAndBlockedAndNonAudio(t *testing.T) {
	f := newVoiceFixture(t)
	ctx := context.Background()

	self := voiceEvent("m1")
	self.UserID = f.msg.selfID
	if err := f.svc.HandleInbound(ctx, self); err != nil {
		t.Fatalf("self event: %v", err)
	}

	f.pol.blocked["u1"] = true
	if err := f.svc.HandleInbound(ctx, voiceEvent("m2")); err != nil {
		t.Fatalf("blocked sender: %v", err)
	}
	f.pol.blocked["u1"] = false

	text := voiceEvent("m3")
	text.Attachments = []platform.Attachment{{Filename: "notes.txt", Size: 10}}
	if err := f.svc.HandleInbound(ctx, text); err != nil {
		t.Fatalf("non-audio event: %v", err)
	}

	if f.gw.calls != 0 {
		t.Fatalf("gateway called %d times for ignorable events", f.gw.calls)
	}
	if len(f.msg.notices) != 0 || len(f.msg.published) != 0 {
		t.Fatal("side effects produced for ignorable events")
	}
}

func TestHandleInbound_ExtensionMatchIsCaseInsensitive(t *testing.T) {
	f := newVoiceFixture(t)

	ev := voiceEvent("m1")
	ev.Attachments = []platform.Attachment{{Filename: "VOICE.OGG", Size: 10, ContentType: "audio/ogg"}}
	if err := f.svc.HandleInbound(context.Background(), ev); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if f.gw.calls != 1 {
		t.Fatalf("gateway calls = %d, want 1", f.gw.calls)
	}
}

func TestHandleInbound_DuplicateInFlightAbsorbed(t *testing.T) {
	f := newVoiceFixture(t)

	release, ok := f.svc.InFlight.Acquire("m1")
	if !ok {
		t.Fatal("pre-acquire failed")
	}
	defer release()

	if err := f.svc.HandleInbound(context.Background(), voiceEvent("m1")); err != nil {
		t.Fatalf("duplicate must be absorbed silently, got %v", err)
	}
	if f.gw.calls != 0 || len(f.msg.notices) != 0 || len(f.msg.published) != 0 {
		t.Fatal("duplicate produced side effects")
	}
}

func TestHandleInbound_ConcurrentDuplicatesProcessOnce(t *testing.T) {
	f := newVoiceFixture(t)
	ctx := context.Background()

	const deliveries = 8
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.svc.HandleInbound(ctx, voiceEvent("m1"))
		}()
	}
	wg.Wait()

	// Losers of the in-flight race are absorbed; stragglers that arrive
	// after completion are stopped by the unique message index. Exactly one
	// full pipeline run can have happened.
	var rows int64
	f.db.Model(&domain.Transcription{}).Where("message_id = ?", "m1").Count(&rows)
	if rows != 1 {
		t.Fatalf("stored %d rows for one event", rows)
	}
	if len(f.msg.published) != 1 {
		t.Fatalf("published %d results for one event", len(f.msg.published))
	}
	u, _ := repo.GetUser(ctx, f.db, "u1")
	if u.DailyUsage != 1 {
		t.Fatalf("counter moved %d times for one event", u.DailyUsage)
	}
}

func TestHandleInbound_SecondDeliveryAfterCompletionAbsorbed(t *testing.T) {
	f := newVoiceFixture(t)
	ctx := context.Background()

	if err := f.svc.HandleInbound(ctx, voiceEvent("m1")); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.svc.HandleInbound(ctx, voiceEvent("m1")); err != nil {
		t.Fatalf("late duplicate must be absorbed, got %v", err)
	}

	if len(f.msg.published) != 1 {
		t.Fatalf("late duplicate republished: %d results", len(f.msg.published))
	}
	var rows int64
	f.db.Model(&domain.Transcription{}).Count(&rows)
	if rows != 1 {
		t.Fatalf("late duplicate stored a second row: %d", rows)
	}
	// The replay produced no notices and charged no quota.
	if len(f.msg.notices) != 1 {
		t.Fatalf("replay posted a notice: %v", f.msg.notices)
	}
	u, _ := repo.GetUser(ctx, f.db, "u1")
	if u.DailyUsage != 1 {
		t.Fatalf("replay consumed quota: %d", u.DailyUsage)
	}
}

func TestHandleInbound_GatewayFailureLeavesNoTrace(t *testing.T) {
	f := newVoiceFixture(t)
	ctx := context.Background()
	f.gw.err = fmt.Errorf("%w: status 500", dify.ErrWorkflowFailed)

	err := f.svc.HandleInbound(ctx, voiceEvent("m1"))
	if !errors.Is(err, dify.ErrWorkflowFailed) {
		t.Fatalf("expected workflow failure surfaced, got %v", err)
	}

	var rows int64
	f.db.Model(&domain.Transcription{}).Count(&rows)
	if rows != 0 {
		t.Fatal("failed transcription left a stored row")
	}
	u, _ := repo.GetUser(ctx, f.db, "u1")
	if u.DailyUsage != 0 {
		t.Fatal("failed transcription consumed quota")
	}
	if len(f.msg.edits) != 1 || !strings.Contains(f.msg.edits[0], "failed") {
		t.Fatalf("failure notice missing: %v", f.msg.edits)
	}

	// The in-flight marker was released: a retry can run.
	f.gw.err = nil
	if err := f.svc.HandleInbound(ctx, voiceEvent("m1")); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if len(f.msg.published) != 1 {
		t.Fatal("retry did not publish")
	}
}

func TestHandleInbound_QuotaCeilingBlocksBeforeUpload(t *testing.T) {
	f := newVoiceFixture(t)
	ctx := context.Background()
	f.pol.quota = 2

	for i := 0; i < 2; i++ {
		if err := f.svc.HandleInbound(ctx, voiceEvent("m"+strconv.Itoa(i))); err != nil {
			t.Fatalf("within quota %d: %v", i, err)
		}
	}

	err := f.svc.HandleInbound(ctx, voiceEvent("m-over"))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	// The external provider was never contacted for the rejected event.
	if f.gw.calls != 2 {
		t.Fatalf("gateway calls = %d, want 2", f.gw.calls)
	}
	found := false
	for _, e := range f.msg.edits {
		if strings.Contains(e, "limit") {
			found = true
		}
	}
	if !found {
		t.Fatalf("quota notice missing: %v", f.msg.edits)
	}
}

func TestHandleInbound_UnlimitedTierNeverBlocks(t *testing.T) {
	f := newVoiceFixture(t)
	ctx := context.Background()
	f.pol.tier = policy.TierPremium
	f.pol.quota = policy.Unlimited

	for i := 0; i < 15; i++ {
		if err := f.svc.HandleInbound(ctx, voiceEvent("m"+strconv.Itoa(i))); err != nil {
			t.Fatalf("unlimited event %d: %v", i, err)
		}
	}
	u, _ := repo.GetUser(ctx, f.db, "u1")
	if u.TotalUsage != 15 {
		t.Fatalf("lifetime counter = %d, want 15", u.TotalUsage)
	}
}

func TestHandleInbound_PublishFailureKeepsRow(t *testing.T) {
	f := newVoiceFixture(t)
	ctx := context.Background()
	f.msg.publishErr = errors.New("channel gone")

	err := f.svc.HandleInbound(ctx, voiceEvent("m1"))
	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("expected ErrPublishFailed, got %v", err)
	}

	tr, err := repo.GetTranscriptionByMessageID(ctx, f.db, "m1")
	if err != nil {
		t.Fatalf("stored transcript must survive a publish failure: %v", err)
	}
	if tr.ResultMessageID != "" {
		t.Fatal("back-link set despite failed publish")
	}
}

func TestHandleInbound_TruncatesPublishedBody(t *testing.T) {
	f := newVoiceFixture(t)
	f.svc.ResultMaxRunes = 5
	f.gw.text = "あいうえおかきくけこ"

	if err := f.svc.HandleInbound(context.Background(), voiceEvent("m1")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	body := f.msg.published[0].Body
	if got := len([]rune(body)); got != 5 {
		t.Fatalf("published body runes = %d, want 5 (%q)", got, body)
	}
	// The stored row keeps the full transcript.
	tr, _ := repo.GetTranscriptionByMessageID(context.Background(), f.db, "m1")
	if tr.Transcription != "あいうえおかきくけこ" {
		t.Fatalf("stored transcript truncated: %q", tr.Transcription)
	}
}

func TestHandleInbound_MultipleAttachmentsOneRowPerMessage(t *testing.T) {
	f := newVoiceFixture(t)

	ev := voiceEvent("m1")
	ev.Attachments = []platform.Attachment{
		{Filename: "a.ogg", Size: 10, ContentType: "audio/ogg"},
		{Filename: "skip.txt", Size: 10},
		{Filename: "b.mp3", Size: 10, ContentType: "audio/mpeg"},
	}

	if err := f.svc.HandleInbound(context.Background(), ev); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	// Rows are keyed by the origin message, so once the first audio
	// attachment is stored the second is absorbed without another upload.
	if f.gw.calls != 1 {
		t.Fatalf("gateway calls = %d, want 1", f.gw.calls)
	}
	if len(f.msg.published) != 1 {
		t.Fatalf("published %d results, want 1", len(f.msg.published))
	}
	tr, err := repo.GetTranscriptionByMessageID(context.Background(), f.db, "m1")
	if err != nil {
		t.Fatalf("row not stored: %v", err)
	}
	if tr.FileName != "a.ogg" {
		t.Fatalf("stored attachment = %q, want a.ogg", tr.FileName)
	}
}

func TestHandleInbound_FailingAttachmentDoesNotAbortSiblings(t *testing.T) {
	f := newVoiceFixture(t)
	f.gw.failFirst = true

	ev := voiceEvent("m1")
	ev.Attachments = []platform.Attachment{
		{Filename: "a.ogg", Size: 10, ContentType: "audio/ogg"},
		{Filename: "b.mp3", Size: 10, ContentType: "audio/mpeg"},
	}

	err := f.svc.HandleInbound(context.Background(), ev)
	if !errors.Is(err, dify.ErrWorkflowFailed) {
		t.Fatalf("first attachment's failure must surface, got %v", err)
	}
	if f.gw.calls != 2 {
		t.Fatalf("gateway calls = %d, want 2", f.gw.calls)
	}
	// The second attachment still produced a result.
	if len(f.msg.published) != 1 {
		t.Fatalf("published %d results, want 1", len(f.msg.published))
	}
	tr, err := repo.GetTranscriptionByMessageID(context.Background(), f.db, "m1")
	if err != nil {
		t.Fatalf("row not stored: %v", err)
	}
	if tr.FileName != "b.mp3" {
		t.Fatalf("stored attachment = %q, want b.mp3", tr.FileName)
	}
}

func TestHandleInbound_StatelessModeSkipsStorage(t *testing.T) {
	f := newVoiceFixture(t)
	ctx := context.Background()
	f.svc.EnableQuota = false
	f.svc.EnablePersistence = false

	if err := f.svc.HandleInbound(ctx, voiceEvent("m1")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	var rows int64
	f.db.Model(&domain.Transcription{}).Count(&rows)
	if rows != 0 {
		t.Fatal("stateless mode stored a row")
	}
	var users int64
	f.db.Model(&domain.User{}).Count(&users)
	if users != 0 {
		t.Fatal("stateless mode created a user row")
	}
	if len(f.msg.published) != 1 {
		t.Fatal("stateless mode must still publish")
	}
}

func TestHandleInbound_ReactionsDisabledSkipsMarkers(t *testing.T) {
	f := newVoiceFixture(t)
	f.svc.EnableReactions = false

	if err := f.svc.HandleInbound(context.Background(), voiceEvent("m1")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(f.msg.markers) != 0 {
		t.Fatalf("markers attached with reactions disabled: %v", f.msg.markers)
	}
}

func TestHandleInbound_DownloadFailure(t *testing.T) {
	f := newVoiceFixture(t)
	f.msg.downloadErr = errors.New("cdn unavailable")

	err := f.svc.HandleInbound(context.Background(), voiceEvent("m1"))
	if err == nil {
		t.Fatal("expected error for failed download")
	}
	if f.gw.calls != 0 {
		t.Fatal("gateway called despite failed download")
	}
	u, _ := repo.GetUser(context.Background(), f.db, "u1")
	if u.DailyUsage != 0 {
		t.Fatal("failed download consumed quota")
	}
}

func TestSupportedExtension(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"voice.ogg", true},
		{"song.MP3", true},
		{"clip.wav", true},
		{"memo.m4a", true},
		{"note.webm", true},
		{"doc.pdf", false},
		{"noext", false},
		{"archive.ogg.zip", false},
	}
	for _, tc := range tests {
		if got := SupportedExtension(tc.name); got != tc.want {
			t.Errorf("SupportedExtension(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

// Pin the clock helper so day-boundary behavior is exercised through the
// service, not only the repo.
func TestHandleInbound_QuotaResetsAcrossMidnight(t *testing.T) {
	f := newVoiceFixture(t)
	ctx := context.Background()
	f.pol.quota = 1

	day1 := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	f.svc.Now = func() time.Time { return day1 }

	if err := f.svc.HandleInbound(ctx, voiceEvent("m1")); err != nil {
		t.Fatalf("day1 event: %v", err)
	}
	if err := f.svc.HandleInbound(ctx, voiceEvent("m2")); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded at ceiling, got %v", err)
	}

	f.svc.Now = func() time.Time { return day1.Add(2 * time.Hour) }
	if err := f.svc.HandleInbound(ctx, voiceEvent("m3")); err != nil {
		t.Fatalf("event after midnight must pass: %v", err)
	}
}
