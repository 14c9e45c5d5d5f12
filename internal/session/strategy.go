package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"kidstream/internal/credentials"
	"kidstream/internal/models"
	"kidstream/internal/streamkey"
	"kidstream/internal/upstream"
)

// Session and playback modes accepted by the API surface.
const (
	ModeWebrtc = "webrtc"
	ModeRtmps  = "rtmps"
	ModeHLS    = "hls"
)

// IngestDetails is the mode-specific payload of a provisioned session.
// Webrtc sessions carry a participant token and signaling URL; legacy
// rtmps sessions carry the ingest endpoint and revealed stream key.
type IngestDetails struct {
	Mode             string                   `json:"mode"`
	StageArn         string                   `json:"stageArn,omitempty"`
	ParticipantToken *models.ParticipantToken `json:"participantToken,omitempty"`
	WebrtcURL        string                   `json:"webrtcUrl,omitempty"`
	IngestEndpoint   string                   `json:"ingestEndpoint,omitempty"`
	StreamKey        string                   `json:"streamKey,omitempty"`
}

// PlaybackDetails is the mode-specific playback credential set.
type PlaybackDetails struct {
	HLSURL              string    `json:"hlsUrl,omitempty"`
	ViewerToken         string    `json:"viewerToken,omitempty"`
	ViewerParticipantID string    `json:"viewerParticipantId,omitempty"`
	ExpiresAt           time.Time `json:"expiresAt"`
}

// ProvisionStrategy provides the mode-specific halves of session
// provisioning and playback. The pool, store, and lifecycle rules stay in
// the Manager; strategies only mint credentials and shape payloads.
type ProvisionStrategy interface {
	Mode() string
	ProvisionIngest(ctx context.Context, child models.Child, channel models.Channel, sessionID string) (IngestDetails, error)
	Playback(ctx context.Context, viewerID string, channel models.Channel, isLive bool) (PlaybackDetails, error)
}

// webrtcStrategy is the primary path: stage participant tokens for both
// publish and subscribe.
type webrtcStrategy struct {
	issuer *credentials.Issuer
}

func (s *webrtcStrategy) Mode() string { return ModeWebrtc }

func (s *webrtcStrategy) ProvisionIngest(ctx context.Context, child models.Child, channel models.Channel, sessionID string) (IngestDetails, error) {
	attributes := map[string]string{
		"childId": child.ID,
		"role":    "publisher",
	}
	if sessionID != "" {
		attributes["sessionId"] = sessionID
	}
	token, err := s.issuer.PublishToken(ctx, channel.StageArn, child.ID, attributes, credentials.PublisherTokenTTL)
	if err != nil {
		return IngestDetails{}, err
	}
	return IngestDetails{
		Mode:             ModeWebrtc,
		StageArn:         channel.StageArn,
		ParticipantToken: &token,
		WebrtcURL:        s.issuer.RealtimeURL(),
	}, nil
}

func (s *webrtcStrategy) Playback(ctx context.Context, viewerID string, channel models.Channel, isLive bool) (PlaybackDetails, error) {
	token, err := s.issuer.SubscribeToken(ctx, channel.StageArn, viewerID, map[string]string{
		"childId": channel.ChildID,
		"role":    "viewer",
	}, credentials.ViewerTokenTTL)
	if err != nil {
		return PlaybackDetails{}, err
	}
	return PlaybackDetails{
		ViewerToken:         token.Token,
		ViewerParticipantID: token.ParticipantID,
		ExpiresAt:           token.ExpiresAt,
	}, nil
}

// rtmpsStrategy is the legacy path: encrypted stream keys for ingest and
// signed HLS playback when a composition is running.
type rtmpsStrategy struct {
	keys   *streamkey.Cipher
	api    upstream.API
	signer *credentials.PlaybackSigner
	hlsURL string
	logger *slog.Logger
	now    func() time.Time
}

func (s *rtmpsStrategy) Mode() string { return ModeRtmps }

func (s *rtmpsStrategy) ProvisionIngest(ctx context.Context, child models.Child, channel models.Channel, sessionID string) (IngestDetails, error) {
	if channel.LegacyIngestEndpoint == "" || channel.LegacyStreamKey == "" {
		return IngestDetails{}, fmt.Errorf("%w: channel has no rtmps ingest configured", ErrInvalidParams)
	}
	key, err := s.keys.Reveal(channel.LegacyStreamKey)
	if err != nil {
		return IngestDetails{}, fmt.Errorf("reveal stream key: %w", err)
	}
	return IngestDetails{
		Mode:           ModeRtmps,
		IngestEndpoint: fmt.Sprintf("rtmps://%s:443/app/", channel.LegacyIngestEndpoint),
		StreamKey:      key,
	}, nil
}

// Playback serves the hls mode: the fixed playback URL plus a signed
// viewer token when private playback is configured. A stream with no
// running composition yields empty details rather than an error.
func (s *rtmpsStrategy) Playback(ctx context.Context, viewerID string, channel models.Channel, isLive bool) (PlaybackDetails, error) {
	if s.hlsURL == "" || channel.LegacyChannelArn == "" {
		return PlaybackDetails{}, nil
	}
	compositions, err := s.api.ListCompositions(ctx, channel.StageArn)
	if err != nil {
		s.logger.Warn("list compositions failed, omitting hls playback",
			"stage_arn", channel.StageArn, "error", err)
		return PlaybackDetails{}, nil
	}
	active := false
	for _, composition := range compositions {
		if composition.Active() {
			active = true
			break
		}
	}
	if !active {
		return PlaybackDetails{}, nil
	}
	details := PlaybackDetails{HLSURL: s.hlsURL}
	if s.signer != nil {
		token, err := s.signer.Sign(channel.LegacyChannelArn, viewerID, credentials.ViewerTokenTTL)
		if err != nil {
			return PlaybackDetails{}, fmt.Errorf("sign playback token: %w", err)
		}
		details.ViewerToken = token
		details.ExpiresAt = s.now().Add(credentials.ViewerTokenTTL)
	}
	return details, nil
}
