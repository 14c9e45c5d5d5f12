package storage

import (
	"context"
	"testing"
	"time"

	"kidstream/internal/models"
)

func TestChannelLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	channel, err := store.CreateChannel(ctx, models.Channel{ChildID: "child-1"})
	if err != nil {
		t.Fatalf("CreateChannel returned error: %v", err)
	}
	if channel.ID == "" {
		t.Fatal("expected channel ID to be assigned")
	}
	if channel.Status != models.ChannelStatusInactive {
		t.Fatalf("new channel status = %q, want INACTIVE", channel.Status)
	}

	if _, err := store.CreateChannel(ctx, models.Channel{ChildID: "child-1"}); err != ErrChannelExists {
		t.Fatalf("duplicate CreateChannel error = %v, want ErrChannelExists", err)
	}

	found, ok, err := store.GetChannelByChild(ctx, "child-1")
	if err != nil || !ok {
		t.Fatalf("GetChannelByChild = %v, %v", ok, err)
	}
	if found.ID != channel.ID {
		t.Fatalf("GetChannelByChild ID = %q, want %q", found.ID, channel.ID)
	}

	live := models.ChannelStatusLive
	stageArn := "arn:stage/1"
	updated, err := store.UpdateChannel(ctx, channel.ID, ChannelUpdate{Status: &live, StageArn: &stageArn})
	if err != nil {
		t.Fatalf("UpdateChannel returned error: %v", err)
	}
	if !updated.IsLive() || updated.StageArn != stageArn {
		t.Fatalf("UpdateChannel result = %+v", updated)
	}
}

func TestTransitionSessionIsConditional(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	channel, err := store.CreateChannel(ctx, models.Channel{ChildID: "child-1"})
	if err != nil {
		t.Fatalf("CreateChannel returned error: %v", err)
	}
	session, err := store.CreateSession(ctx, models.Session{ChannelID: channel.ID, ChildID: "child-1"})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}
	if session.Status != models.SessionStatusInProgress {
		t.Fatalf("new session status = %q", session.Status)
	}

	endedAt := time.Now().UTC()
	completed, applied, err := store.TransitionSession(ctx, session.ID, SessionTransition{
		FromStatus: models.SessionStatusInProgress,
		ToStatus:   models.SessionStatusCompleted,
		EndedAt:    &endedAt,
	})
	if err != nil || !applied {
		t.Fatalf("TransitionSession = applied=%v err=%v", applied, err)
	}
	if completed.Status != models.SessionStatusCompleted || completed.EndedAt == nil {
		t.Fatalf("completed session = %+v", completed)
	}

	// the same transition again loses the conditional check
	_, applied, err = store.TransitionSession(ctx, session.ID, SessionTransition{
		FromStatus: models.SessionStatusInProgress,
		ToStatus:   models.SessionStatusFailed,
	})
	if err != nil {
		t.Fatalf("TransitionSession returned error: %v", err)
	}
	if applied {
		t.Fatal("expected lost-race transition to be a no-op")
	}

	if _, _, err := store.TransitionSession(ctx, "missing", SessionTransition{
		FromStatus: models.SessionStatusInProgress,
		ToStatus:   models.SessionStatusCompleted,
	}); err != ErrSessionNotFound {
		t.Fatalf("missing session error = %v, want ErrSessionNotFound", err)
	}
}

func TestCurrentSessionFindsOnlyInProgress(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	channel, err := store.CreateChannel(ctx, models.Channel{ChildID: "child-1"})
	if err != nil {
		t.Fatalf("CreateChannel returned error: %v", err)
	}
	first, err := store.CreateSession(ctx, models.Session{ChannelID: channel.ID, ChildID: "child-1"})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	current, ok, err := store.CurrentSession(ctx, channel.ID)
	if err != nil || !ok {
		t.Fatalf("CurrentSession = %v, %v", ok, err)
	}
	if current.ID != first.ID {
		t.Fatalf("CurrentSession ID = %q, want %q", current.ID, first.ID)
	}

	endedAt := time.Now().UTC()
	if _, _, err := store.TransitionSession(ctx, first.ID, SessionTransition{
		FromStatus: models.SessionStatusInProgress,
		ToStatus:   models.SessionStatusCompleted,
		EndedAt:    &endedAt,
	}); err != nil {
		t.Fatalf("TransitionSession returned error: %v", err)
	}

	if _, ok, _ := store.CurrentSession(ctx, channel.ID); ok {
		t.Fatal("expected no current session after completion")
	}
}

func TestListCompletedSessionsPaginates(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	channel, err := store.CreateChannel(ctx, models.Channel{ChildID: "child-1"})
	if err != nil {
		t.Fatalf("CreateChannel returned error: %v", err)
	}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		endedAt := base.Add(time.Duration(i)*time.Hour + 30*time.Minute)
		session, err := store.CreateSession(ctx, models.Session{
			ChannelID: channel.ID,
			ChildID:   "child-1",
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("CreateSession returned error: %v", err)
		}
		if _, _, err := store.TransitionSession(ctx, session.ID, SessionTransition{
			FromStatus: models.SessionStatusInProgress,
			ToStatus:   models.SessionStatusCompleted,
			EndedAt:    &endedAt,
		}); err != nil {
			t.Fatalf("TransitionSession returned error: %v", err)
		}
	}

	page, err := store.ListCompletedSessions(ctx, "child-1", 2, "")
	if err != nil {
		t.Fatalf("ListCompletedSessions returned error: %v", err)
	}
	if len(page.Sessions) != 2 || !page.HasMore || page.NextCursor == "" {
		t.Fatalf("first page = %+v", page)
	}
	if !page.Sessions[0].StartedAt.After(page.Sessions[1].StartedAt) {
		t.Fatal("expected newest-first ordering")
	}

	seen := map[string]bool{page.Sessions[0].ID: true, page.Sessions[1].ID: true}
	cursor := page.NextCursor
	total := 2
	for cursor != "" {
		page, err = store.ListCompletedSessions(ctx, "child-1", 2, cursor)
		if err != nil {
			t.Fatalf("ListCompletedSessions returned error: %v", err)
		}
		for _, session := range page.Sessions {
			if seen[session.ID] {
				t.Fatalf("session %s returned twice", session.ID)
			}
			seen[session.ID] = true
			total++
		}
		cursor = page.NextCursor
	}
	if total != 5 {
		t.Fatalf("paginated total = %d, want 5", total)
	}
}

func TestAuditAppendAndList(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	for i := 0; i < 3; i++ {
		if err := store.AppendAudit(ctx, models.AuditEntry{
			Action:       models.AuditSessionStarted,
			ResourceType: "session",
			ResourceID:   "session-1",
			UserID:       "user-1",
		}); err != nil {
			t.Fatalf("AppendAudit returned error: %v", err)
		}
	}
	if err := store.AppendAudit(ctx, models.AuditEntry{
		Action:       models.AuditChannelCreated,
		ResourceType: "channel",
		ResourceID:   "channel-1",
	}); err != nil {
		t.Fatalf("AppendAudit returned error: %v", err)
	}

	entries, err := store.ListAudit(ctx, "session-1", 0)
	if err != nil {
		t.Fatalf("ListAudit returned error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ListAudit count = %d, want 3", len(entries))
	}
	for _, entry := range entries {
		if entry.ID == "" || entry.Timestamp.IsZero() {
			t.Fatalf("audit entry missing ID or timestamp: %+v", entry)
		}
	}
}

func TestCreateSessionEnforcesSingleInProgress(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	channel, err := store.CreateChannel(ctx, models.Channel{ChildID: "child-1"})
	if err != nil {
		t.Fatalf("CreateChannel returned error: %v", err)
	}
	first, err := store.CreateSession(ctx, models.Session{ChannelID: channel.ID, ChildID: "child-1"})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	// A second in-progress insert on the same channel loses to the first.
	if _, err := store.CreateSession(ctx, models.Session{
		ChannelID: channel.ID, ChildID: "child-1",
	}); err != ErrSessionActive {
		t.Fatalf("second CreateSession error = %v, want ErrSessionActive", err)
	}
	current, ok, err := store.CurrentSession(ctx, channel.ID)
	if err != nil || !ok || current.ID != first.ID {
		t.Fatalf("CurrentSession = %+v, %v, %v", current, ok, err)
	}

	// Other channels are unaffected.
	other, err := store.CreateChannel(ctx, models.Channel{ChildID: "child-2"})
	if err != nil {
		t.Fatalf("CreateChannel returned error: %v", err)
	}
	if _, err := store.CreateSession(ctx, models.Session{ChannelID: other.ID, ChildID: "child-2"}); err != nil {
		t.Fatalf("CreateSession on other channel returned error: %v", err)
	}

	// Completing the first frees the slot.
	endedAt := time.Now().UTC()
	if _, _, err := store.TransitionSession(ctx, first.ID, SessionTransition{
		FromStatus: models.SessionStatusInProgress,
		ToStatus:   models.SessionStatusCompleted,
		EndedAt:    &endedAt,
	}); err != nil {
		t.Fatalf("TransitionSession returned error: %v", err)
	}
	if _, err := store.CreateSession(ctx, models.Session{ChannelID: channel.ID, ChildID: "child-1"}); err != nil {
		t.Fatalf("CreateSession after completion returned error: %v", err)
	}
}

func TestListInProgressSessionsFiltersByAge(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	channels := make([]models.Channel, 3)
	for i := range channels {
		channel, err := store.CreateChannel(ctx, models.Channel{ChildID: "child-" + string(rune('1'+i))})
		if err != nil {
			t.Fatalf("CreateChannel returned error: %v", err)
		}
		channels[i] = channel
	}
	now := time.Now().UTC()
	old, err := store.CreateSession(ctx, models.Session{
		ChannelID: channels[0].ID, ChildID: channels[0].ChildID, StartedAt: now.Add(-2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}
	if _, err := store.CreateSession(ctx, models.Session{
		ChannelID: channels[1].ID, ChildID: channels[1].ChildID, StartedAt: now.Add(-10 * time.Minute),
	}); err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}
	endedAt := now
	done, err := store.CreateSession(ctx, models.Session{
		ChannelID: channels[2].ID, ChildID: channels[2].ChildID, StartedAt: now.Add(-3 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}
	if _, _, err := store.TransitionSession(ctx, done.ID, SessionTransition{
		FromStatus: models.SessionStatusInProgress,
		ToStatus:   models.SessionStatusCompleted,
		EndedAt:    &endedAt,
	}); err != nil {
		t.Fatalf("TransitionSession returned error: %v", err)
	}

	stale, err := store.ListInProgressSessions(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListInProgressSessions returned error: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("stale sessions = %+v, want only %q", stale, old.ID)
	}
}
