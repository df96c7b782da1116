package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/voicepipe/go-voice-backend/internal/domain"
	"github.com/voicepipe/go-voice-backend/internal/platform"
	"github.com/voicepipe/go-voice-backend/internal/reactions"
	"github.com/voicepipe/go-voice-backend/internal/repo"
)

type reactionFixture struct {
	svc    *ReactionService
	db     *gorm.DB
	msg    *fakeMessenger
	stored *domain.Transcription
}

// longTranscript clears the summary threshold and has more than three
// sentences, so summarize produces a real extract.
const longTranscript = "今日の会議についてお話しします。最初の議題は予算です。次にスケジュールを確認します。最後に質疑応答を行います。よろしくお願いします。"

func newReactionFixture(t *testing.T) *reactionFixture {
	t.Helper()
	db := newTestDB(t)
	msg := newFakeMessenger()

	if err := db.Create(&domain.User{UserID: "author-1"}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	stored, err := repo.CreateTranscription(context.Background(), db, &domain.Transcription{
		MessageID:     "origin-1",
		UserID:        "author-1",
		ChannelID:     "c1",
		FileName:      "clip.wav",
		FileSize:      2048,
		Transcription: longTranscript,
		Language:      "ja",
	})
	if err != nil {
		t.Fatalf("seed transcription: %v", err)
	}
	if err := repo.LinkResultMessage(context.Background(), db, stored.ID, "result-1"); err != nil {
		t.Fatalf("link result: %v", err)
	}

	msg.fetched = &platform.PublishedResult{
		MessageID: "result-1",
		ChannelID: "c1",
		AuthorID:  msg.selfID,
		Title:     ResultTitle,
		Body:      longTranscript,
	}

	svc := &ReactionService{
		DB:                db,
		Messenger:         msg,
		Reactions:         reactions.Default(),
		SummaryMinRunes:   10,
		EnablePersistence: true,
		Log:               zerolog.Nop(),
	}
	return &reactionFixture{svc: svc, db: db, msg: msg, stored: stored}
}

func reactionEvent(emoji string) platform.ReactionEvent {
	return platform.ReactionEvent{
		UserID:    "reactor-1",
		Emoji:     emoji,
		MessageID: "result-1",
		ChannelID: "c1",
	}
}

func TestHandleReaction_SummarizeRoundTrip(t *testing.T) {
	f := newReactionFixture(t)
	ctx := context.Background()

	if err := f.svc.HandleReaction(ctx, reactionEvent("📝")); err != nil {
		t.Fatalf("HandleReaction: %v", err)
	}

	// Summary delivered privately under its heading.
	if len(f.msg.directs) != 1 {
		t.Fatalf("directs = %v, want one delivery", f.msg.directs)
	}
	if !strings.HasPrefix(f.msg.directs[0], summaryHeading) {
		t.Fatalf("delivery missing heading: %q", f.msg.directs[0])
	}

	// Summary stored on the row.
	var row domain.Transcription
	if err := f.db.First(&row, "id = ?", f.stored.ID).Error; err != nil {
		t.Fatalf("reload row: %v", err)
	}
	if row.Summary == nil || *row.Summary == "" {
		t.Fatal("summary not stored")
	}
	if !strings.HasPrefix(*row.Summary, "今日の会議についてお話しします。") {
		t.Fatalf("summary content wrong: %q", *row.Summary)
	}

	// Audit row recorded as success.
	actions, err := repo.ListReactionActions(ctx, f.db, f.stored.ID)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(actions))
	}
	a := actions[0]
	if a.UserID != "reactor-1" || a.Reaction != "📝" || a.ActionType != reactions.ActionSummarize || a.Result != outcomeSuccess {
		t.Fatalf("audit row wrong: %+v", a)
	}

	// Delivery acknowledged on the result message.
	if len(f.msg.markers) != 1 || f.msg.markers[0] != deliveredMarker {
		t.Fatalf("markers = %v, want the delivered marker", f.msg.markers)
	}
}

func TestHandleReaction_SummarizeShortTranscript(t *testing.T) {
	f := newReactionFixture(t)
	f.svc.SummaryMinRunes = 1000

	if err := f.svc.HandleReaction(context.Background(), reactionEvent("📝")); err != nil {
		t.Fatalf("HandleReaction: %v", err)
	}
	if len(f.msg.directs) != 1 || !strings.Contains(f.msg.directs[0], summaryTooShort) {
		t.Fatalf("expected the too-short text, got %v", f.msg.directs)
	}
	// The fixed text is still recorded and audited.
	actions, _ := repo.ListReactionActions(context.Background(), f.db, f.stored.ID)
	if len(actions) != 1 || actions[0].Result != outcomeSuccess {
		t.Fatalf("audit rows = %+v", actions)
	}
}

func TestHandleReaction_TranslateRoundTrip(t *testing.T) {
	f := newReactionFixture(t)

	if err := f.svc.HandleReaction(context.Background(), reactionEvent("🌐")); err != nil {
		t.Fatalf("HandleReaction: %v", err)
	}
	if len(f.msg.directs) != 1 {
		t.Fatalf("directs = %v, want one delivery", f.msg.directs)
	}
	if !strings.HasPrefix(f.msg.directs[0], translationHeading) {
		t.Fatalf("delivery missing heading: %q", f.msg.directs[0])
	}

	actions, _ := repo.ListReactionActions(context.Background(), f.db, f.stored.ID)
	if len(actions) != 1 || actions[0].ActionType != reactions.ActionTranslate {
		t.Fatalf("audit rows = %+v", actions)
	}
}

func TestHandleReaction_UsesStoredTranscriptNotTruncatedBody(t *testing.T) {
	f := newReactionFixture(t)
	// The published body was truncated; the stored row has the full text.
	f.msg.fetched.Body = truncateRunes(longTranscript, 20)

	if err := f.svc.HandleReaction(context.Background(), reactionEvent("📝")); err != nil {
		t.Fatalf("HandleReaction: %v", err)
	}
	if len(f.msg.directs) != 1 {
		t.Fatalf("directs = %v", f.msg.directs)
	}
	if strings.Contains(f.msg.directs[0], "…") {
		t.Fatalf("summary derived from the truncated body: %q", f.msg.directs[0])
	}
}

func TestHandleReaction_IgnoresSelfAndUnmappedAndDisabled(t *testing.T) {
	f := newReactionFixture(t)
	ctx := context.Background()

	self := reactionEvent("📝")
	self.UserID = f.msg.selfID
	if err := f.svc.HandleReaction(ctx, self); err != nil {
		t.Fatalf("self reaction: %v", err)
	}

	if err := f.svc.HandleReaction(ctx, reactionEvent("❓")); err != nil {
		t.Fatalf("unmapped symbol: %v", err)
	}

	// Meeting notes is mapped but disabled by default.
	if err := f.svc.HandleReaction(ctx, reactionEvent("📋")); err != nil {
		t.Fatalf("disabled action: %v", err)
	}

	if len(f.msg.directs) != 0 || len(f.msg.ephemerals) != 0 || len(f.msg.markers) != 0 {
		t.Fatal("ignored reactions produced side effects")
	}
}

func TestHandleReaction_VanishedMessage(t *testing.T) {
	f := newReactionFixture(t)
	f.msg.fetchErr = platform.ErrMessageNotFound

	if err := f.svc.HandleReaction(context.Background(), reactionEvent("📝")); err != nil {
		t.Fatalf("vanished message must be ignored, got %v", err)
	}
	if len(f.msg.directs) != 0 {
		t.Fatal("delivery attempted for a vanished message")
	}
}

func TestHandleReaction_ForeignMessageIgnored(t *testing.T) {
	f := newReactionFixture(t)
	ctx := context.Background()

	f.msg.fetched.AuthorID = "someone-else"
	if err := f.svc.HandleReaction(ctx, reactionEvent("📝")); err != nil {
		t.Fatalf("foreign author: %v", err)
	}

	f.msg.fetched.AuthorID = f.msg.selfID
	f.msg.fetched.Title = "Some other embed"
	if err := f.svc.HandleReaction(ctx, reactionEvent("📝")); err != nil {
		t.Fatalf("non-result title: %v", err)
	}

	if len(f.msg.directs) != 0 {
		t.Fatal("acted on a message that is not a transcription result")
	}
}

func TestHandleReaction_RefusedDirectDeliveryDegrades(t *testing.T) {
	f := newReactionFixture(t)
	f.msg.directErr = platform.ErrDeliveryForbidden

	if err := f.svc.HandleReaction(context.Background(), reactionEvent("📝")); err != nil {
		t.Fatalf("refused delivery must degrade, not fail: %v", err)
	}
	if len(f.msg.ephemerals) != 1 || f.msg.ephemerals[0] != dmFallbackNotice {
		t.Fatalf("ephemerals = %v, want the fallback notice", f.msg.ephemerals)
	}
	if len(f.msg.markers) != 0 {
		t.Fatal("delivery acknowledged despite refusal")
	}
}

func TestHandleReaction_OtherDeliveryErrorSurfaces(t *testing.T) {
	f := newReactionFixture(t)
	wantErr := errors.New("gateway down")
	f.msg.directErr = wantErr

	err := f.svc.HandleReaction(context.Background(), reactionEvent("📝"))
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the delivery error, got %v", err)
	}
}

func TestHandleReaction_UnimplementedActionNotice(t *testing.T) {
	f := newReactionFixture(t)
	f.svc.Reactions = reactions.Static(map[string]reactions.Action{
		"📊": {Name: reactions.ActionSentiment, Enabled: true},
	})

	if err := f.svc.HandleReaction(context.Background(), reactionEvent("📊")); err != nil {
		t.Fatalf("HandleReaction: %v", err)
	}
	if len(f.msg.directs) != 1 || f.msg.directs[0] != underDevelopment {
		t.Fatalf("directs = %v, want the not-available notice", f.msg.directs)
	}
	// No audit row for unimplemented actions.
	actions, _ := repo.ListReactionActions(context.Background(), f.db, f.stored.ID)
	if len(actions) != 0 {
		t.Fatalf("audit rows = %+v, want none", actions)
	}
}

func TestHandleReaction_StatelessModeUsesPublishedBody(t *testing.T) {
	f := newReactionFixture(t)
	f.svc.EnablePersistence = false

	if err := f.svc.HandleReaction(context.Background(), reactionEvent("📝")); err != nil {
		t.Fatalf("HandleReaction: %v", err)
	}
	if len(f.msg.directs) != 1 {
		t.Fatalf("directs = %v", f.msg.directs)
	}
	// Nothing written: no summary, no audit rows.
	var row domain.Transcription
	f.db.First(&row, "id = ?", f.stored.ID)
	if row.Summary != nil {
		t.Fatal("stateless mode stored a summary")
	}
	actions, _ := repo.ListReactionActions(context.Background(), f.db, f.stored.ID)
	if len(actions) != 0 {
		t.Fatalf("stateless mode recorded audit rows: %+v", actions)
	}
}

func TestHandleReaction_UnlinkedResultStillDelivers(t *testing.T) {
	f := newReactionFixture(t)
	// A result message persistence does not know, e.g. stored before a crash
	// wiped the link. The published body serves as the source.
	f.msg.fetched.MessageID = "result-unknown"
	ev := reactionEvent("📝")
	ev.MessageID = "result-unknown"

	if err := f.svc.HandleReaction(context.Background(), ev); err != nil {
		t.Fatalf("HandleReaction: %v", err)
	}
	if len(f.msg.directs) != 1 {
		t.Fatalf("directs = %v, want one delivery", f.msg.directs)
	}
	var row domain.Transcription
	f.db.First(&row, "id = ?", f.stored.ID)
	if row.Summary != nil {
		t.Fatal("summary written to an unrelated row")
	}
}
