// Package session gates stream provisioning on authorization, enforces
// the single-live-session rule per channel, reconciles local state with
// the upstream liveness signal, and records the audit trail.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"kidstream/internal/credentials"
	"kidstream/internal/models"
	"kidstream/internal/observability/logging"
	"kidstream/internal/observability/metrics"
	"kidstream/internal/stagepool"
	"kidstream/internal/storage"
	"kidstream/internal/streamkey"
	"kidstream/internal/upstream"
)

// Config carries the environment bindings the manager needs beyond its
// collaborators. DefaultStageArn, when set and existing upstream, is
// preferred over creating per-child stages. CompositionChannelArn and
// CompositionStorageArn enable HLS/recording compositions; both empty
// disables them.
type Config struct {
	Environment           string
	DefaultStageArn       string
	CompositionChannelArn string
	CompositionStorageArn string
	HLSPlaybackURL        string
}

// Manager owns channel and session lifecycle. Conflicting writes to one
// channel are serialized through the store's conditional session
// transitions, not an in-process lock, so the manager is safe under
// horizontal scale-out.
type Manager struct {
	repo   storage.Repository
	api    upstream.API
	pool   *stagepool.Pool
	issuer *credentials.Issuer
	keys   *streamkey.Cipher
	cfg    Config
	logger *slog.Logger
	clock  clockwork.Clock

	strategies map[string]ProvisionStrategy

	// channelFlight collapses concurrent ensureChannelForChild calls for
	// the same child into one stage create.
	channelFlight singleflight.Group
}

// NewManager wires the manager and its provisioning strategies. The
// stream key cipher and playback signer are optional; without them the
// legacy rtmps/hls paths report invalid-params or omit signed playback.
func NewManager(repo storage.Repository, api upstream.API, pool *stagepool.Pool, issuer *credentials.Issuer, keys *streamkey.Cipher, signer *credentials.PlaybackSigner, cfg Config, logger *slog.Logger, clock clockwork.Clock) (*Manager, error) {
	if repo == nil || api == nil || pool == nil || issuer == nil {
		return nil, fmt.Errorf("repository, upstream api, pool, and issuer are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := &Manager{
		repo:   repo,
		api:    api,
		pool:   pool,
		issuer: issuer,
		keys:   keys,
		cfg:    cfg,
		logger: logging.WithComponent(logger, "session"),
		clock:  clock,
	}
	m.strategies = map[string]ProvisionStrategy{
		ModeWebrtc: &webrtcStrategy{issuer: issuer},
		ModeRtmps: &rtmpsStrategy{
			keys:   keys,
			api:    api,
			signer: signer,
			hlsURL: cfg.HLSPlaybackURL,
			logger: m.logger,
			now:    clock.Now,
		},
	}
	return m, nil
}

// WhipStart is the response payload of a WHIP stream start.
type WhipStart struct {
	StreamID         string                  `json:"streamId"`
	StageArn         string                  `json:"stageArn"`
	WhipURL          string                  `json:"whipUrl"`
	PublishToken     string                  `json:"publishToken"`
	ParticipantID    string                  `json:"participantId"`
	ExpiresAt        time.Time               `json:"expiresAt"`
	Region           string                  `json:"region"`
	MediaConstraints models.MediaConstraints `json:"mediaConstraints"`
}

// SessionStart is the response payload of a provisioned session.
type SessionStart struct {
	SessionID string        `json:"sessionId"`
	ChannelID string        `json:"channelId"`
	Ingest    IngestDetails `json:"ingest"`
}

// PlaybackStatus summarizes channel liveness for viewers.
type PlaybackStatus struct {
	IsLive           bool       `json:"isLive"`
	CurrentSessionID string     `json:"currentSessionId,omitempty"`
	LastLiveAt       *time.Time `json:"lastLiveAt,omitempty"`
	ParticipantCount int        `json:"participantCount"`
}

// PlaybackInfo is the response payload of a playback request.
type PlaybackInfo struct {
	ChildID  string          `json:"childId"`
	StageArn string          `json:"stageArn,omitempty"`
	Playback PlaybackDetails `json:"playback"`
	Status   PlaybackStatus  `json:"status"`
}

// VodList is one page of a child's completed sessions.
type VodList struct {
	Sessions   []models.Session `json:"sessions"`
	NextCursor string           `json:"nextCursor,omitempty"`
	HasMore    bool             `json:"hasMore"`
}

// authorizeOwner verifies the caller owns the child and the child may
// stream.
func (m *Manager) authorizeOwner(ctx context.Context, childID, callerUserID string) (models.Child, error) {
	if strings.TrimSpace(childID) == "" {
		return models.Child{}, fmt.Errorf("%w: child id is required", ErrInvalidParams)
	}
	child, ok, err := m.repo.GetChild(ctx, childID)
	if err != nil {
		return models.Child{}, fmt.Errorf("load child: %w", err)
	}
	if !ok {
		return models.Child{}, fmt.Errorf("%w: child %s", ErrNotFound, childID)
	}
	if child.OwnerUserID != callerUserID {
		return models.Child{}, fmt.Errorf("%w: caller does not own child", ErrForbidden)
	}
	if !child.StreamingEnabled {
		return models.Child{}, fmt.Errorf("%w: streaming disabled for child", ErrForbidden)
	}
	return child, nil
}

// StartStream provisions WHIP ingest: allocates a pooled stage, persists
// an in-progress session, and returns publish credentials. The session ID
// doubles as the stream ID so the pool binding is recoverable.
func (m *Manager) StartStream(ctx context.Context, childID, callerUserID string) (WhipStart, error) {
	child, err := m.authorizeOwner(ctx, childID, callerUserID)
	if err != nil {
		return WhipStart{}, err
	}
	channel, err := m.ensureChannelRow(ctx, child.ID)
	if err != nil {
		return WhipStart{}, err
	}
	if blocked, err := m.reconcileCurrentSession(ctx, channel); err != nil {
		return WhipStart{}, err
	} else if blocked {
		return WhipStart{}, fmt.Errorf("%w: channel %s", ErrSessionAlreadyActive, channel.ID)
	}

	streamID := uuid.NewString()
	ctx = logging.ContextWithStreamID(logging.ContextWithChildID(ctx, child.ID), streamID)

	allocation, err := m.pool.Allocate(ctx, streamID, callerUserID, child.ID)
	if err != nil {
		return WhipStart{}, err
	}

	session, err := m.repo.CreateSession(ctx, models.Session{
		ID:        streamID,
		ChannelID: channel.ID,
		ChildID:   child.ID,
		Status:    models.SessionStatusInProgress,
		StartedAt: m.clock.Now(),
	})
	if err != nil {
		// Surrender the stage; the caller retries against a clean pool.
		m.pool.Release(ctx, allocation.StageArn)
		if errors.Is(err, storage.ErrSessionActive) {
			// A concurrent start won the insert; the store is the arbiter.
			return WhipStart{}, fmt.Errorf("%w: channel %s", ErrSessionAlreadyActive, channel.ID)
		}
		return WhipStart{}, fmt.Errorf("persist session: %w", err)
	}
	if _, err := m.repo.UpdateChannel(ctx, channel.ID, storage.ChannelUpdate{
		StageArn: &allocation.StageArn,
		Status:   ptr(models.ChannelStatusLive),
	}); err != nil {
		m.logger.Warn("channel live update failed", "channel_id", channel.ID, "error", err)
	}
	m.startComposition(ctx, session.ID, allocation.StageArn)
	m.audit(ctx, models.AuditSessionStarted, "session", session.ID, callerUserID, map[string]string{
		"childId":  child.ID,
		"stageArn": allocation.StageArn,
		"mode":     "whip",
	})
	metrics.SessionEvent("started")
	logging.WithContext(ctx, m.logger).Info("whip stream started", "stage_arn", allocation.StageArn)

	return WhipStart{
		StreamID:         streamID,
		StageArn:         allocation.StageArn,
		WhipURL:          allocation.WhipURL,
		PublishToken:     allocation.Token.Token,
		ParticipantID:    allocation.Token.ParticipantID,
		ExpiresAt:        allocation.Token.ExpiresAt,
		Region:           allocation.Region,
		MediaConstraints: models.DefaultMediaConstraints(),
	}, nil
}

// StopStream ends a WHIP stream: completes the session row, marks the
// channel inactive, and surrenders the pooled stage.
func (m *Manager) StopStream(ctx context.Context, streamID, callerUserID string) error {
	if strings.TrimSpace(streamID) == "" {
		return fmt.Errorf("%w: stream id is required", ErrInvalidParams)
	}
	session, ok, err := m.repo.GetSession(ctx, streamID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: stream %s", ErrNotFound, streamID)
	}
	child, ok, err := m.repo.GetChild(ctx, session.ChildID)
	if err != nil {
		return fmt.Errorf("load child: %w", err)
	}
	if ok && child.OwnerUserID != callerUserID {
		return fmt.Errorf("%w: caller does not own stream", ErrForbidden)
	}
	return m.finishSession(ctx, session, callerUserID, storage.SessionTransition{
		FromStatus: models.SessionStatusInProgress,
		ToStatus:   models.SessionStatusCompleted,
	}, models.AuditSessionEnded, "ended")
}

// CreateSession provisions a channel-bound session in the requested mode
// (webrtc or rtmps), reconciling any stale in-progress session first.
func (m *Manager) CreateSession(ctx context.Context, childID, callerUserID, mode string) (SessionStart, error) {
	strategy, ok := m.strategies[strings.ToLower(strings.TrimSpace(mode))]
	if !ok {
		return SessionStart{}, fmt.Errorf("%w: unknown session mode %q", ErrInvalidParams, mode)
	}
	child, err := m.authorizeOwner(ctx, childID, callerUserID)
	if err != nil {
		return SessionStart{}, err
	}
	ctx = logging.ContextWithChildID(ctx, child.ID)

	channel, err := m.EnsureChannelForChild(ctx, child.ID)
	if err != nil {
		return SessionStart{}, err
	}
	if blocked, err := m.reconcileCurrentSession(ctx, channel); err != nil {
		return SessionStart{}, err
	} else if blocked {
		return SessionStart{}, fmt.Errorf("%w: channel %s", ErrSessionAlreadyActive, channel.ID)
	}

	sessionID := uuid.NewString()
	ingest, err := strategy.ProvisionIngest(ctx, child, channel, sessionID)
	if err != nil {
		return SessionStart{}, err
	}

	session, err := m.repo.CreateSession(ctx, models.Session{
		ID:        sessionID,
		ChannelID: channel.ID,
		ChildID:   child.ID,
		Status:    models.SessionStatusInProgress,
		StartedAt: m.clock.Now(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrSessionActive) {
			return SessionStart{}, fmt.Errorf("%w: channel %s", ErrSessionAlreadyActive, channel.ID)
		}
		return SessionStart{}, fmt.Errorf("persist session: %w", err)
	}
	if _, err := m.repo.UpdateChannel(ctx, channel.ID, storage.ChannelUpdate{
		Status: ptr(models.ChannelStatusLive),
	}); err != nil {
		m.logger.Warn("channel live update failed", "channel_id", channel.ID, "error", err)
	}
	if strategy.Mode() == ModeWebrtc {
		m.startComposition(ctx, session.ID, channel.StageArn)
	}
	m.audit(ctx, models.AuditSessionStarted, "session", session.ID, callerUserID, map[string]string{
		"childId": child.ID,
		"mode":    strategy.Mode(),
	})
	metrics.SessionEvent("started")

	return SessionStart{SessionID: session.ID, ChannelID: channel.ID, Ingest: ingest}, nil
}

// ProvisionIngest mints ingest credentials for a child's channel without
// opening a session row. Used by clients that manage session lifecycle
// through the WHIP endpoints.
func (m *Manager) ProvisionIngest(ctx context.Context, childID, callerUserID, mode string) (IngestDetails, error) {
	strategy, ok := m.strategies[strings.ToLower(strings.TrimSpace(mode))]
	if !ok {
		return IngestDetails{}, fmt.Errorf("%w: unknown ingest mode %q", ErrInvalidParams, mode)
	}
	child, err := m.authorizeOwner(ctx, childID, callerUserID)
	if err != nil {
		return IngestDetails{}, err
	}
	channel, err := m.EnsureChannelForChild(ctx, child.ID)
	if err != nil {
		return IngestDetails{}, err
	}
	return strategy.ProvisionIngest(ctx, child, channel, "")
}

// EndSession completes a session. Ending an already-terminal session is a
// no-op success.
func (m *Manager) EndSession(ctx context.Context, sessionID, callerUserID string) error {
	session, ok, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	child, ok, err := m.repo.GetChild(ctx, session.ChildID)
	if err != nil {
		return fmt.Errorf("load child: %w", err)
	}
	if ok && child.OwnerUserID != callerUserID {
		return fmt.Errorf("%w: caller does not own session", ErrForbidden)
	}
	if !session.Active() {
		return nil
	}
	return m.finishSession(ctx, session, callerUserID, storage.SessionTransition{
		FromStatus: models.SessionStatusInProgress,
		ToStatus:   models.SessionStatusCompleted,
	}, models.AuditSessionEnded, "ended")
}

// ForceStopSession is the admin transition: the session fails with the
// given reason regardless of who owns it.
func (m *Manager) ForceStopSession(ctx context.Context, sessionID, adminUserID, reason string) error {
	session, ok, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if !session.Active() {
		return nil
	}
	if reason == "" {
		reason = "force stopped by administrator"
	}
	return m.finishSession(ctx, session, adminUserID, storage.SessionTransition{
		FromStatus:   models.SessionStatusInProgress,
		ToStatus:     models.SessionStatusFailed,
		ErrorMessage: reason,
	}, models.AuditStreamForceStopped, "force_stopped")
}

// ReapStaleSessions completes IN_PROGRESS sessions older than maxAge
// whose stage is no longer live upstream. Sessions with a live publisher
// are left alone. Returns the number of sessions reaped.
func (m *Manager) ReapStaleSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("%w: max age must be positive", ErrInvalidParams)
	}
	stale, err := m.repo.ListInProgressSessions(ctx, m.clock.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}
	reaped := 0
	for _, session := range stale {
		channel, ok, err := m.repo.GetChannel(ctx, session.ChannelID)
		if err != nil {
			return reaped, fmt.Errorf("load channel: %w", err)
		}
		if ok && channel.StageArn != "" && m.stageIsLive(ctx, channel.StageArn) {
			continue
		}
		if err := m.finishSession(ctx, session, "", storage.SessionTransition{
			FromStatus: models.SessionStatusInProgress,
			ToStatus:   models.SessionStatusCompleted,
		}, models.AuditSessionForceReconcile, "reaped"); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// finishSession applies a terminal transition, releases any pool binding,
// stops compositions, and downgrades the channel. Losing the transition
// race to a concurrent finisher is treated as success.
func (m *Manager) finishSession(ctx context.Context, session models.Session, actorUserID string, transition storage.SessionTransition, auditAction, event string) error {
	channel, hasChannel, err := m.repo.GetChannel(ctx, session.ChannelID)
	if err != nil {
		return fmt.Errorf("load channel: %w", err)
	}
	if hasChannel && channel.StageArn != "" {
		m.stopCompositions(ctx, channel.StageArn)
	}

	now := m.clock.Now()
	transition.EndedAt = &now
	_, applied, err := m.repo.TransitionSession(ctx, session.ID, transition)
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	if !applied {
		// Someone else finished it first; nothing left to do.
		return nil
	}

	if hasChannel {
		if _, err := m.repo.UpdateChannel(ctx, channel.ID, storage.ChannelUpdate{
			Status:     ptr(models.ChannelStatusInactive),
			LastLiveAt: &now,
		}); err != nil {
			m.logger.Warn("channel inactive update failed", "channel_id", channel.ID, "error", err)
		}
	}
	if entry, ok := m.pool.FindByStreamID(session.ID); ok {
		m.pool.Release(ctx, entry.Arn)
	}
	m.audit(ctx, auditAction, "session", session.ID, actorUserID, map[string]string{
		"childId": session.ChildID,
	})
	metrics.SessionEvent(event)
	logging.WithContext(ctx, m.logger).Info("session finished",
		"session_id", session.ID, "status", transition.ToStatus)
	return nil
}

// GetPlayback returns playback credentials and liveness for a parent
// viewer. Mode webrtc mints a subscribe token; mode hls serves the
// legacy composition path.
func (m *Manager) GetPlayback(ctx context.Context, parentUserID, childID, mode string) (PlaybackInfo, error) {
	strategy, err := m.playbackStrategy(mode)
	if err != nil {
		return PlaybackInfo{}, err
	}
	if strings.TrimSpace(childID) == "" {
		return PlaybackInfo{}, fmt.Errorf("%w: child id is required", ErrInvalidParams)
	}
	allowed, err := m.repo.CanWatch(ctx, parentUserID, childID)
	if err != nil {
		return PlaybackInfo{}, fmt.Errorf("check watch permission: %w", err)
	}
	if !allowed {
		return PlaybackInfo{}, fmt.Errorf("%w: parent may not watch child", ErrForbidden)
	}

	channel, err := m.EnsureChannelForChild(ctx, childID)
	if err != nil {
		return PlaybackInfo{}, err
	}

	isLive := m.stageIsLive(ctx, channel.StageArn)
	details, err := strategy.Playback(ctx, parentUserID, channel, isLive)
	if err != nil {
		return PlaybackInfo{}, err
	}

	status := PlaybackStatus{IsLive: isLive, LastLiveAt: channel.LastLiveAt}
	if current, ok, err := m.repo.CurrentSession(ctx, channel.ID); err != nil {
		m.logger.Warn("current session lookup failed", "channel_id", channel.ID, "error", err)
	} else if ok {
		status.CurrentSessionID = current.ID
	}

	return PlaybackInfo{
		ChildID:  childID,
		StageArn: channel.StageArn,
		Playback: details,
		Status:   status,
	}, nil
}

func (m *Manager) playbackStrategy(mode string) (ProvisionStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeWebrtc:
		return m.strategies[ModeWebrtc], nil
	case ModeHLS:
		return m.strategies[ModeRtmps], nil
	default:
		return nil, fmt.Errorf("%w: unknown playback mode %q", ErrInvalidParams, mode)
	}
}

// ListVods pages a child's completed sessions. Owners and permitted
// parents may list.
func (m *Manager) ListVods(ctx context.Context, callerUserID, childID string, limit int, cursor string) (VodList, error) {
	child, ok, err := m.repo.GetChild(ctx, childID)
	if err != nil {
		return VodList{}, fmt.Errorf("load child: %w", err)
	}
	if !ok {
		return VodList{}, fmt.Errorf("%w: child %s", ErrNotFound, childID)
	}
	if child.OwnerUserID != callerUserID {
		allowed, err := m.repo.CanWatch(ctx, callerUserID, childID)
		if err != nil {
			return VodList{}, fmt.Errorf("check watch permission: %w", err)
		}
		if !allowed {
			return VodList{}, fmt.Errorf("%w: caller may not list sessions", ErrForbidden)
		}
	}
	page, err := m.repo.ListCompletedSessions(ctx, childID, limit, cursor)
	if err != nil {
		return VodList{}, fmt.Errorf("list sessions: %w", err)
	}
	return VodList{Sessions: page.Sessions, NextCursor: page.NextCursor, HasMore: page.HasMore}, nil
}

// ResetStreamKey rotates the legacy rtmps stream key. The new plaintext
// key is returned once and stored encrypted.
func (m *Manager) ResetStreamKey(ctx context.Context, childID, callerUserID string) (string, error) {
	if m.keys == nil {
		return "", fmt.Errorf("%w: stream key encryption is not configured", ErrInvalidParams)
	}
	child, err := m.authorizeOwner(ctx, childID, callerUserID)
	if err != nil {
		return "", err
	}
	channel, ok, err := m.repo.GetChannelByChild(ctx, child.ID)
	if err != nil {
		return "", fmt.Errorf("load channel: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: child has no channel", ErrNotFound)
	}
	plain, err := streamkey.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate stream key: %w", err)
	}
	encrypted, err := m.keys.Encrypt(plain)
	if err != nil {
		return "", fmt.Errorf("encrypt stream key: %w", err)
	}
	if _, err := m.repo.UpdateChannel(ctx, channel.ID, storage.ChannelUpdate{
		LegacyStreamKey: &encrypted,
	}); err != nil {
		return "", fmt.Errorf("store stream key: %w", err)
	}
	m.audit(ctx, models.AuditChannelKeyReset, "channel", channel.ID, callerUserID, map[string]string{
		"childId": child.ID,
	})
	return plain, nil
}

// EnsureChannelForChild returns the channel row for a child, binding it
// to an existing upstream stage or creating a dedicated one. Concurrent
// calls for the same child collapse into a single pass.
func (m *Manager) EnsureChannelForChild(ctx context.Context, childID string) (models.Channel, error) {
	result, err, _ := m.channelFlight.Do(childID, func() (interface{}, error) {
		return m.ensureChannel(ctx, childID)
	})
	if err != nil {
		return models.Channel{}, err
	}
	return result.(models.Channel), nil
}

func (m *Manager) ensureChannel(ctx context.Context, childID string) (models.Channel, error) {
	channel, ok, err := m.repo.GetChannelByChild(ctx, childID)
	if err != nil {
		return models.Channel{}, fmt.Errorf("load channel: %w", err)
	}
	if ok && channel.StageArn != "" {
		stage, err := m.api.GetStage(ctx, channel.StageArn)
		if err != nil {
			// A failed probe is not proof the stage vanished. Keep the
			// binding; liveness checks report not live until it recovers.
			m.logger.Warn("stage verification failed, keeping binding",
				"channel_id", channel.ID, "stage_arn", channel.StageArn, "error", err)
			return channel, nil
		}
		if stage != nil {
			return channel, nil
		}
		// The bound stage vanished upstream; fall through and rebind.
		m.logger.Warn("channel stage missing upstream, rebinding",
			"channel_id", channel.ID, "stage_arn", channel.StageArn)
	}

	stageArn, err := m.resolveStage(ctx, childID)
	if err != nil {
		return models.Channel{}, err
	}
	if ok {
		return m.repo.UpdateChannel(ctx, channel.ID, storage.ChannelUpdate{StageArn: &stageArn})
	}
	created, err := m.repo.CreateChannel(ctx, models.Channel{
		ChildID:  childID,
		StageArn: stageArn,
		Status:   models.ChannelStatusInactive,
	})
	if err != nil {
		// A concurrent call on another replica may have created the row.
		if errors.Is(err, storage.ErrChannelExists) {
			existing, found, lookupErr := m.repo.GetChannelByChild(ctx, childID)
			if lookupErr == nil && found {
				return existing, nil
			}
		}
		return models.Channel{}, fmt.Errorf("create channel: %w", err)
	}
	m.audit(ctx, models.AuditChannelCreated, "channel", created.ID, "", map[string]string{
		"childId":  childID,
		"stageArn": stageArn,
	})
	return created, nil
}

// resolveStage prefers the configured default stage when it exists
// upstream, otherwise creates a dedicated per-child stage.
func (m *Manager) resolveStage(ctx context.Context, childID string) (string, error) {
	if m.cfg.DefaultStageArn != "" {
		stage, err := m.api.GetStage(ctx, m.cfg.DefaultStageArn)
		if err != nil {
			return "", fmt.Errorf("verify default stage: %w", err)
		}
		if stage != nil {
			return stage.Arn, nil
		}
		m.logger.Warn("configured default stage missing upstream",
			"stage_arn", m.cfg.DefaultStageArn)
	}
	name := fmt.Sprintf("child-%s-%d", childID, m.clock.Now().UnixMilli())
	stage, err := m.api.CreateStage(ctx, name, map[string]string{
		"childId":     childID,
		"environment": m.cfg.Environment,
	})
	if err != nil {
		return "", fmt.Errorf("create stage: %w", err)
	}
	m.audit(ctx, models.AuditStageCreated, "stage", stage.Arn, "", map[string]string{
		"childId": childID,
	})
	return stage.Arn, nil
}

// ensureChannelRow guarantees a channel row exists without creating a
// dedicated stage; the WHIP path binds a pooled stage at allocation time.
func (m *Manager) ensureChannelRow(ctx context.Context, childID string) (models.Channel, error) {
	channel, ok, err := m.repo.GetChannelByChild(ctx, childID)
	if err != nil {
		return models.Channel{}, fmt.Errorf("load channel: %w", err)
	}
	if ok {
		return channel, nil
	}
	created, err := m.repo.CreateChannel(ctx, models.Channel{
		ChildID: childID,
		Status:  models.ChannelStatusInactive,
	})
	if err != nil {
		if errors.Is(err, storage.ErrChannelExists) {
			existing, found, lookupErr := m.repo.GetChannelByChild(ctx, childID)
			if lookupErr == nil && found {
				return existing, nil
			}
		}
		return models.Channel{}, fmt.Errorf("create channel: %w", err)
	}
	m.audit(ctx, models.AuditChannelCreated, "channel", created.ID, "", map[string]string{
		"childId": childID,
	})
	return created, nil
}

// reconcileCurrentSession checks for an in-progress session on the
// channel. A session still live upstream blocks the caller; a stale one
// is force-completed so a new session can start. A failed upstream probe
// counts as not live.
func (m *Manager) reconcileCurrentSession(ctx context.Context, channel models.Channel) (blocked bool, err error) {
	current, ok, err := m.repo.CurrentSession(ctx, channel.ID)
	if err != nil {
		return false, fmt.Errorf("load current session: %w", err)
	}
	if !ok {
		return false, nil
	}
	if m.stageIsLive(ctx, channel.StageArn) {
		return true, nil
	}

	now := m.clock.Now()
	_, applied, err := m.repo.TransitionSession(ctx, current.ID, storage.SessionTransition{
		FromStatus: models.SessionStatusInProgress,
		ToStatus:   models.SessionStatusCompleted,
		EndedAt:    &now,
	})
	if err != nil {
		return false, fmt.Errorf("reconcile session: %w", err)
	}
	if !applied {
		// Lost the race. Reload once: either the row went terminal (fine)
		// or a competing start claimed the channel.
		_, stillThere, reloadErr := m.repo.CurrentSession(ctx, channel.ID)
		if reloadErr != nil {
			return false, fmt.Errorf("reload current session: %w", reloadErr)
		}
		return stillThere, nil
	}
	if _, err := m.repo.UpdateChannel(ctx, channel.ID, storage.ChannelUpdate{
		Status: ptr(models.ChannelStatusInactive),
	}); err != nil {
		m.logger.Warn("channel inactive update failed", "channel_id", channel.ID, "error", err)
	}
	m.audit(ctx, models.AuditSessionForceReconcile, "session", current.ID, "", map[string]string{
		"childId": current.ChildID,
	})
	metrics.SessionEvent("reconciled")
	logging.WithContext(ctx, m.logger).Info("stale session reconciled",
		"session_id", current.ID, "channel_id", channel.ID)
	return false, nil
}

// stageIsLive probes upstream liveness. Probe failures are logged and
// reported as not live so reconcile can proceed.
func (m *Manager) stageIsLive(ctx context.Context, stageArn string) bool {
	if stageArn == "" {
		return false
	}
	stage, err := m.api.GetStage(ctx, stageArn)
	if err != nil {
		m.logger.Warn("stage liveness probe failed, assuming not live",
			"stage_arn", stageArn, "error", err)
		return false
	}
	return stage != nil && stage.ActiveSessionID != ""
}

// startComposition starts an HLS/recording composition when destinations
// are configured. The session ID is the idempotency token so a retried
// start cannot spawn a duplicate. Failures are non-fatal.
func (m *Manager) startComposition(ctx context.Context, sessionID, stageArn string) {
	if m.cfg.CompositionChannelArn == "" && m.cfg.CompositionStorageArn == "" {
		return
	}
	if stageArn == "" {
		return
	}
	_, err := m.api.StartComposition(ctx, upstream.CompositionParams{
		StageArn:         stageArn,
		IdempotencyToken: sessionID,
		ChannelArn:       m.cfg.CompositionChannelArn,
		StorageArn:       m.cfg.CompositionStorageArn,
	})
	if err != nil {
		m.logger.Warn("composition start failed",
			"session_id", sessionID, "stage_arn", stageArn, "error", err)
	}
}

// stopCompositions stops every active composition on a stage. Best
// effort; failures are logged.
func (m *Manager) stopCompositions(ctx context.Context, stageArn string) {
	compositions, err := m.api.ListCompositions(ctx, stageArn)
	if err != nil {
		m.logger.Warn("list compositions failed", "stage_arn", stageArn, "error", err)
		return
	}
	for _, composition := range compositions {
		if !composition.Active() {
			continue
		}
		if err := m.api.StopComposition(ctx, composition.Arn); err != nil {
			m.logger.Warn("composition stop failed",
				"composition_arn", composition.Arn, "error", err)
		}
	}
}

func (m *Manager) audit(ctx context.Context, action, resourceType, resourceID, userID string, details map[string]string) {
	entry := models.AuditEntry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		UserID:       userID,
		Details:      details,
		Timestamp:    m.clock.Now(),
	}
	if err := m.repo.AppendAudit(ctx, entry); err != nil {
		m.logger.Warn("audit append failed", "action", action, "error", err)
	}
}

func ptr[T any](v T) *T { return &v }
