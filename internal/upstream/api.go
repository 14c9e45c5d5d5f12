// Package upstream defines the contract the provisioning core consumes
// from the managed live-video provider, together with the production
// adapter backed by AWS IVS Real-Time.
package upstream

import (
	"context"
	"time"
)

// Participant capabilities accepted by CreateParticipantToken.
const (
	CapabilityPublish   = "PUBLISH"
	CapabilitySubscribe = "SUBSCRIBE"
)

// Stage is an upstream WebRTC room. ActiveSessionID is empty while no
// publisher is connected.
type Stage struct {
	Arn             string
	Name            string
	ActiveSessionID string
	Tags            map[string]string
}

// TokenParams describes a participant token request.
type TokenParams struct {
	StageArn     string
	UserID       string
	Capabilities []string
	Duration     time.Duration
	Attributes   map[string]string
}

// Token is a minted participant credential.
type Token struct {
	Token         string
	ParticipantID string
	ExpiresAt     time.Time
}

// CompositionParams describes a composition start request. The idempotency
// token guards against duplicate compositions when a start is retried
// within one session.
type CompositionParams struct {
	StageArn         string
	IdempotencyToken string
	ChannelArn       string
	StorageArn       string
}

// Composition is a running or finished stage composition.
type Composition struct {
	Arn      string
	StageArn string
	State    string
}

// Active reports whether the composition is still running.
func (c Composition) Active() bool {
	return c.State == "ACTIVE" || c.State == "STARTING"
}

// API is the slice of the upstream live-video control plane consumed by
// the core. CreateStage is rate-limited by the provider; implementations
// surface transient failures verbatim and leave retry policy to callers.
type API interface {
	CreateStage(ctx context.Context, name string, tags map[string]string) (Stage, error)
	// GetStage returns nil when the stage does not exist.
	GetStage(ctx context.Context, arn string) (*Stage, error)
	ListStages(ctx context.Context) ([]Stage, error)
	DeleteStage(ctx context.Context, arn string) error
	CreateParticipantToken(ctx context.Context, params TokenParams) (Token, error)
	StartComposition(ctx context.Context, params CompositionParams) (Composition, error)
	StopComposition(ctx context.Context, arn string) error
	ListCompositions(ctx context.Context, stageArn string) ([]Composition, error)
}
