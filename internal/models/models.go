package models

import (
	"strings"
	"time"
)

const (
	// ChannelStatusInactive marks a channel with no live session.
	ChannelStatusInactive = "INACTIVE"
	// ChannelStatusLive marks a channel with an in-progress session.
	ChannelStatusLive = "LIVE"

	SessionStatusInProgress = "IN_PROGRESS"
	SessionStatusCompleted  = "COMPLETED"
	SessionStatusFailed     = "FAILED"
)

// Audit actions recorded by the provisioning core.
const (
	AuditStageCreated          = "stage.created"
	AuditChannelCreated        = "channel.created"
	AuditChannelKeyReset       = "channel.key_reset"
	AuditSessionStarted        = "session.started"
	AuditSessionEnded          = "session.ended"
	AuditSessionForceReconcile = "session.force_ended_reconcile"
	AuditStreamForceStopped    = "stream.force_stopped"
)

// Child is a minor's streaming profile owned by a family account.
type Child struct {
	ID               string    `json:"id"`
	OwnerUserID      string    `json:"ownerUserId"`
	DisplayName      string    `json:"displayName"`
	StreamingEnabled bool      `json:"streamingEnabled"`
	CreatedAt        time.Time `json:"createdAt"`
}

// ParentLink grants a parent account visibility into a child's streams.
type ParentLink struct {
	ParentUserID string    `json:"parentUserId"`
	ChildID      string    `json:"childId"`
	CanWatch     bool      `json:"canWatch"`
	LinkedAt     time.Time `json:"linkedAt"`
}

// Channel holds the per-child upstream bindings. One row per child,
// created lazily on the first provisioning call and never destroyed.
type Channel struct {
	ID                   string     `json:"id"`
	ChildID              string     `json:"childId"`
	StageArn             string     `json:"stageArn,omitempty"`
	LegacyChannelArn     string     `json:"legacyChannelArn,omitempty"`
	LegacyIngestEndpoint string     `json:"legacyIngestEndpoint,omitempty"`
	LegacyStreamKey      string     `json:"legacyStreamKey,omitempty"`
	Status               string     `json:"status"`
	LastLiveAt           *time.Time `json:"lastLiveAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// IsLive reports whether the channel is currently marked live.
func (c Channel) IsLive() bool {
	return strings.EqualFold(c.Status, ChannelStatusLive)
}

// Session is one streaming attempt by a child. At most one session per
// channel is IN_PROGRESS at any time.
type Session struct {
	ID           string     `json:"id"`
	ChannelID    string     `json:"channelId"`
	ChildID      string     `json:"childId"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// Active reports whether the session row still claims the channel.
func (s Session) Active() bool {
	return s.Status == SessionStatusInProgress
}

// AuditEntry is an append-only record of a provisioning action.
type AuditEntry struct {
	ID           string            `json:"id"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resourceType"`
	ResourceID   string            `json:"resourceId"`
	UserID       string            `json:"userId,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// ParticipantToken is a short-lived upstream credential returned to the
// caller. Tokens are never persisted.
type ParticipantToken struct {
	Token         string            `json:"token"`
	ParticipantID string            `json:"participantId"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	Capabilities  []string          `json:"capabilities"`
	StageArn      string            `json:"stageArn"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// MediaConstraints advertises the publish limits enforced by the upstream.
// The values are advisory; the upstream disconnects publishers that exceed
// them.
type MediaConstraints struct {
	VideoCodec         string `json:"videoCodec"`
	VideoProfile       string `json:"videoProfile"`
	MaxWidth           int    `json:"maxWidth"`
	MaxHeight          int    `json:"maxHeight"`
	MaxFramerate       int    `json:"maxFramerate"`
	MaxBitrateBps      int    `json:"maxBitrateBps"`
	IDRIntervalSeconds int    `json:"idrIntervalSeconds"`
	BFrames            bool   `json:"bFrames"`
	AudioCodec         string `json:"audioCodec"`
	AudioMaxBitrateBps int    `json:"audioMaxBitrateBps"`
}

// DefaultMediaConstraints returns the fixed constraint set returned
// verbatim by the WHIP start and status endpoints.
func DefaultMediaConstraints() MediaConstraints {
	return MediaConstraints{
		VideoCodec:         "H.264",
		VideoProfile:       "baseline",
		MaxWidth:           1280,
		MaxHeight:          720,
		MaxFramerate:       30,
		MaxBitrateBps:      2_500_000,
		IDRIntervalSeconds: 2,
		BFrames:            false,
		AudioCodec:         "opus",
		AudioMaxBitrateBps: 160_000,
	}
}
