// Package credentials mints short-lived upstream participant tokens and
// derives the ingress and playback endpoints handed to clients. Tokens
// are returned to callers and never stored.
package credentials

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kidstream/internal/models"
	"kidstream/internal/upstream"
)

const (
	// DefaultWhipEndpoint is the fixed global WHIP ingress URL. The
	// upstream 307-redirects the initial POST to a regional endpoint;
	// clients must preserve the bearer token across the redirect.
	DefaultWhipEndpoint = "https://global.whip.live-video.net"

	// PublisherTokenTTL bounds publish credentials handed to children.
	PublisherTokenTTL = 60 * time.Minute
	// ViewerTokenTTL bounds subscribe credentials handed to parents.
	ViewerTokenTTL = 12 * time.Hour
)

// Config configures endpoint derivation.
type Config struct {
	Region       string
	WhipEndpoint string
}

// Issuer mints participant tokens against the upstream API.
type Issuer struct {
	api upstream.API
	cfg Config
}

// NewIssuer builds an Issuer. Region is required; the WHIP endpoint
// defaults to the fixed global URL.
func NewIssuer(api upstream.API, cfg Config) (*Issuer, error) {
	if api == nil {
		return nil, fmt.Errorf("upstream api is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, fmt.Errorf("region is required")
	}
	if strings.TrimSpace(cfg.WhipEndpoint) == "" {
		cfg.WhipEndpoint = DefaultWhipEndpoint
	}
	return &Issuer{api: api, cfg: cfg}, nil
}

// WhipEndpoint returns the global ingress URL advertised to publishers.
func (i *Issuer) WhipEndpoint() string {
	return i.cfg.WhipEndpoint
}

// Region returns the configured upstream region.
func (i *Issuer) Region() string {
	return i.cfg.Region
}

// RealtimeURL derives the regional WebRTC signaling endpoint for the
// legacy realtime path.
func (i *Issuer) RealtimeURL() string {
	return fmt.Sprintf("wss://global.realtime.ivs.%s.amazonaws.com", i.cfg.Region)
}

// PublishToken mints a PUBLISH+SUBSCRIBE credential for a child publisher.
// A non-positive ttl falls back to PublisherTokenTTL.
func (i *Issuer) PublishToken(ctx context.Context, stageArn, userID string, attributes map[string]string, ttl time.Duration) (models.ParticipantToken, error) {
	if ttl <= 0 {
		ttl = PublisherTokenTTL
	}
	return i.mint(ctx, stageArn, userID, []string{upstream.CapabilityPublish, upstream.CapabilitySubscribe}, attributes, ttl)
}

// SubscribeToken mints a view-only credential for a parent viewer. A
// non-positive ttl falls back to ViewerTokenTTL.
func (i *Issuer) SubscribeToken(ctx context.Context, stageArn, userID string, attributes map[string]string, ttl time.Duration) (models.ParticipantToken, error) {
	if ttl <= 0 {
		ttl = ViewerTokenTTL
	}
	return i.mint(ctx, stageArn, userID, []string{upstream.CapabilitySubscribe}, attributes, ttl)
}

func (i *Issuer) mint(ctx context.Context, stageArn, userID string, capabilities []string, attributes map[string]string, ttl time.Duration) (models.ParticipantToken, error) {
	if stageArn == "" {
		return models.ParticipantToken{}, fmt.Errorf("stage arn is required")
	}
	if userID == "" {
		return models.ParticipantToken{}, fmt.Errorf("user id is required")
	}
	token, err := i.api.CreateParticipantToken(ctx, upstream.TokenParams{
		StageArn:     stageArn,
		UserID:       userID,
		Capabilities: capabilities,
		Duration:     ttl,
		Attributes:   attributes,
	})
	if err != nil {
		return models.ParticipantToken{}, fmt.Errorf("mint participant token: %w", err)
	}
	return models.ParticipantToken{
		Token:         token.Token,
		ParticipantID: token.ParticipantID,
		ExpiresAt:     token.ExpiresAt,
		Capabilities:  capabilities,
		StageArn:      stageArn,
		Attributes:    attributes,
	}, nil
}
