package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"kidstream/internal/testsupport/upstreamstub"
	"kidstream/internal/upstream"
)

func newTestIssuer(t *testing.T) (*Issuer, *upstreamstub.Stub) {
	t.Helper()
	stub := upstreamstub.New()
	stub.Seed(upstream.Stage{Arn: "arn:stage/1", Name: "kid-stream-test"})
	issuer, err := NewIssuer(stub, Config{Region: "us-east-1"})
	if err != nil {
		t.Fatalf("NewIssuer returned error: %v", err)
	}
	return issuer, stub
}

func TestPublishTokenCapabilitiesAndTTL(t *testing.T) {
	issuer, stub := newTestIssuer(t)

	before := time.Now()
	token, err := issuer.PublishToken(context.Background(), "arn:stage/1", "user-1", map[string]string{
		"childId":  "child-1",
		"streamId": "stream-1",
		"role":     "publisher",
	}, 0)
	if err != nil {
		t.Fatalf("PublishToken returned error: %v", err)
	}
	if token.Token == "" || token.ParticipantID == "" {
		t.Fatalf("token missing fields: %+v", token)
	}
	if len(token.Capabilities) != 2 {
		t.Fatalf("publisher capabilities = %v", token.Capabilities)
	}
	if got := token.ExpiresAt.Sub(before); got < 59*time.Minute || got > 61*time.Minute {
		t.Fatalf("publisher ttl = %v, want ~60m", got)
	}
	if stub.TokenCalls != 1 {
		t.Fatalf("TokenCalls = %d, want 1", stub.TokenCalls)
	}
}

func TestSubscribeTokenDefaultsToViewerTTL(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	before := time.Now()
	token, err := issuer.SubscribeToken(context.Background(), "arn:stage/1", "parent-1", nil, 0)
	if err != nil {
		t.Fatalf("SubscribeToken returned error: %v", err)
	}
	if len(token.Capabilities) != 1 || token.Capabilities[0] != upstream.CapabilitySubscribe {
		t.Fatalf("viewer capabilities = %v", token.Capabilities)
	}
	if got := token.ExpiresAt.Sub(before); got < 11*time.Hour || got > 13*time.Hour {
		t.Fatalf("viewer ttl = %v, want ~12h", got)
	}
}

func TestMintSurfacesUpstreamFailure(t *testing.T) {
	issuer, stub := newTestIssuer(t)
	stub.TokenErrs = []error{errors.New("throttled")}

	if _, err := issuer.PublishToken(context.Background(), "arn:stage/1", "user-1", nil, 0); err == nil {
		t.Fatal("expected error from upstream token failure")
	}
}

func TestEndpointDerivation(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	if issuer.WhipEndpoint() != DefaultWhipEndpoint {
		t.Fatalf("WhipEndpoint = %q", issuer.WhipEndpoint())
	}
	if issuer.RealtimeURL() != "wss://global.realtime.ivs.us-east-1.amazonaws.com" {
		t.Fatalf("RealtimeURL = %q", issuer.RealtimeURL())
	}
}
