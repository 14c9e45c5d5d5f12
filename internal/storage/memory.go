package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kidstream/internal/models"
)

// Memory is an in-process Repository used by tests and local development.
type Memory struct {
	mu       sync.RWMutex
	children map[string]models.Child
	links    map[string]map[string]models.ParentLink
	channels map[string]models.Channel
	sessions map[string]models.Session
	audit    []models.AuditEntry
}

var _ Repository = (*Memory)(nil)

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		children: make(map[string]models.Child),
		links:    make(map[string]map[string]models.ParentLink),
		channels: make(map[string]models.Channel),
		sessions: make(map[string]models.Session),
	}
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

// PutChild seeds a child profile. Test and bootstrap helper.
func (m *Memory) PutChild(child models.Child) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if child.CreatedAt.IsZero() {
		child.CreatedAt = time.Now().UTC()
	}
	m.children[child.ID] = child
}

// PutParentLink seeds a parent-child relation. Test and bootstrap helper.
func (m *Memory) PutParentLink(link models.ParentLink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if link.LinkedAt.IsZero() {
		link.LinkedAt = time.Now().UTC()
	}
	byChild, ok := m.links[link.ParentUserID]
	if !ok {
		byChild = make(map[string]models.ParentLink)
		m.links[link.ParentUserID] = byChild
	}
	byChild[link.ChildID] = link
}

func (m *Memory) GetChild(ctx context.Context, childID string) (models.Child, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	child, ok := m.children[childID]
	return child, ok, nil
}

func (m *Memory) CanWatch(ctx context.Context, parentUserID, childID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	link, ok := m.links[parentUserID][childID]
	return ok && link.CanWatch, nil
}

func (m *Memory) CreateChannel(ctx context.Context, channel models.Channel) (models.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.channels {
		if existing.ChildID == channel.ChildID {
			return models.Channel{}, ErrChannelExists
		}
	}
	if channel.ID == "" {
		channel.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = now
	}
	channel.UpdatedAt = now
	if channel.Status == "" {
		channel.Status = models.ChannelStatusInactive
	}
	m.channels[channel.ID] = channel
	return channel, nil
}

func (m *Memory) GetChannel(ctx context.Context, id string) (models.Channel, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[id]
	return channel, ok, nil
}

func (m *Memory) GetChannelByChild(ctx context.Context, childID string) (models.Channel, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, channel := range m.channels {
		if channel.ChildID == childID {
			return channel, true, nil
		}
	}
	return models.Channel{}, false, nil
}

func (m *Memory) UpdateChannel(ctx context.Context, id string, update ChannelUpdate) (models.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channel, ok := m.channels[id]
	if !ok {
		return models.Channel{}, ErrChannelNotFound
	}
	if update.StageArn != nil {
		channel.StageArn = *update.StageArn
	}
	if update.LegacyChannelArn != nil {
		channel.LegacyChannelArn = *update.LegacyChannelArn
	}
	if update.LegacyIngestEndpoint != nil {
		channel.LegacyIngestEndpoint = *update.LegacyIngestEndpoint
	}
	if update.LegacyStreamKey != nil {
		channel.LegacyStreamKey = *update.LegacyStreamKey
	}
	if update.Status != nil {
		channel.Status = *update.Status
	}
	if update.LastLiveAt != nil {
		lastLive := *update.LastLiveAt
		channel.LastLiveAt = &lastLive
	}
	channel.UpdatedAt = time.Now().UTC()
	m.channels[id] = channel
	return channel, nil
}

func (m *Memory) CreateSession(ctx context.Context, session models.Session) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	if session.Status == "" {
		session.Status = models.SessionStatusInProgress
	}
	if session.Status == models.SessionStatusInProgress {
		for _, existing := range m.sessions {
			if existing.ChannelID == session.ChannelID && existing.Status == models.SessionStatusInProgress {
				return models.Session{}, ErrSessionActive
			}
		}
	}
	m.sessions[session.ID] = session
	return session, nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (models.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	return session, ok, nil
}

func (m *Memory) CurrentSession(ctx context.Context, channelID string) (models.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, session := range m.sessions {
		if session.ChannelID == channelID && session.Status == models.SessionStatusInProgress {
			return session, true, nil
		}
	}
	return models.Session{}, false, nil
}

func (m *Memory) ListInProgressSessions(ctx context.Context, startedBefore time.Time) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sessions []models.Session
	for _, session := range m.sessions {
		if session.Status == models.SessionStatusInProgress && session.StartedAt.Before(startedBefore) {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions, nil
}

func (m *Memory) TransitionSession(ctx context.Context, id string, transition SessionTransition) (models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return models.Session{}, false, ErrSessionNotFound
	}
	if session.Status != transition.FromStatus {
		return session, false, nil
	}
	session.Status = transition.ToStatus
	if transition.EndedAt != nil {
		endedAt := *transition.EndedAt
		session.EndedAt = &endedAt
	}
	if transition.ErrorMessage != "" {
		session.ErrorMessage = transition.ErrorMessage
	}
	m.sessions[id] = session
	return session, true, nil
}

func (m *Memory) ListCompletedSessions(ctx context.Context, childID string, limit int, cursor string) (SessionPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sessions []models.Session
	for _, session := range m.sessions {
		if session.ChildID == childID && session.Status == models.SessionStatusCompleted {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	start := 0
	if cursor != "" {
		for i, session := range sessions {
			if session.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 20
	}
	end := start + limit
	if end > len(sessions) {
		end = len(sessions)
	}
	page := SessionPage{Sessions: append([]models.Session(nil), sessions[start:end]...)}
	if end < len(sessions) {
		page.HasMore = true
		page.NextCursor = sessions[end-1].ID
	}
	return page, nil
}

func (m *Memory) AppendAudit(ctx context.Context, entry models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) ListAudit(ctx context.Context, resourceID string, limit int) ([]models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []models.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		entry := m.audit[i]
		if resourceID != "" && entry.ResourceID != resourceID {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}
