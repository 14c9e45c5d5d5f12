// Package storage persists the durable rows backing the ingress
// provisioning core: child profiles, parent links, channels, sessions,
// and the append-only audit log.
//
// Session status transitions are row-conditional: every state write names
// the expected source state and reports whether it applied, which is the
// linearization point the session manager relies on under contention.
package storage

import (
	"context"
	"errors"
	"time"

	"kidstream/internal/models"
)

var (
	// ErrChildNotFound indicates the child profile does not exist.
	ErrChildNotFound = errors.New("child not found")
	// ErrChannelNotFound indicates no channel row exists for the lookup.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrSessionNotFound indicates the session row does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrChannelExists indicates a channel row already exists for a child.
	ErrChannelExists = errors.New("channel already exists for child")
	// ErrSessionActive indicates the channel already holds an in-progress
	// session row.
	ErrSessionActive = errors.New("channel already has an in-progress session")
)

// ChannelUpdate mutates selected channel fields. Nil pointers leave the
// current value untouched.
type ChannelUpdate struct {
	StageArn             *string
	LegacyChannelArn     *string
	LegacyIngestEndpoint *string
	LegacyStreamKey      *string
	Status               *string
	LastLiveAt           *time.Time
}

// SessionTransition is a conditional session status write.
type SessionTransition struct {
	FromStatus   string
	ToStatus     string
	EndedAt      *time.Time
	ErrorMessage string
}

// SessionPage is one page of completed sessions for VOD listings.
type SessionPage struct {
	Sessions   []models.Session
	NextCursor string
	HasMore    bool
}

// Repository exposes the datastore operations required by the session
// manager and API handlers. Implementations must be safe for concurrent
// use.
type Repository interface {
	Ping(ctx context.Context) error

	GetChild(ctx context.Context, childID string) (models.Child, bool, error)
	CanWatch(ctx context.Context, parentUserID, childID string) (bool, error)

	CreateChannel(ctx context.Context, channel models.Channel) (models.Channel, error)
	GetChannel(ctx context.Context, id string) (models.Channel, bool, error)
	GetChannelByChild(ctx context.Context, childID string) (models.Channel, bool, error)
	UpdateChannel(ctx context.Context, id string, update ChannelUpdate) (models.Channel, error)

	// CreateSession inserts a session row. Inserting an in-progress
	// session while the channel already holds one fails with
	// ErrSessionActive; the store is the arbiter under concurrent starts.
	CreateSession(ctx context.Context, session models.Session) (models.Session, error)
	GetSession(ctx context.Context, id string) (models.Session, bool, error)
	CurrentSession(ctx context.Context, channelID string) (models.Session, bool, error)
	// ListInProgressSessions returns sessions still marked IN_PROGRESS
	// that started before the given instant. Used by the stale-session
	// reaper.
	ListInProgressSessions(ctx context.Context, startedBefore time.Time) ([]models.Session, error)
	// TransitionSession applies the conditional status write and reports
	// whether the row matched. A false return with nil error means the
	// caller lost a race and should reload.
	TransitionSession(ctx context.Context, id string, transition SessionTransition) (models.Session, bool, error)
	ListCompletedSessions(ctx context.Context, childID string, limit int, cursor string) (SessionPage, error)

	AppendAudit(ctx context.Context, entry models.AuditEntry) error
	ListAudit(ctx context.Context, resourceID string, limit int) ([]models.AuditEntry, error)
}
