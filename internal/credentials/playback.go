package credentials

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PlaybackSigner signs private-playback JWTs for the legacy HLS path.
// Tokens carry the channel ARN and viewer identity and are verified by
// the upstream CDN against the registered playback key pair.
type PlaybackSigner struct {
	keyPairID string
	key       *ecdsa.PrivateKey
}

// NewPlaybackSigner parses the configured EC private key. Both PKCS#8 and
// SEC1 ("EC PRIVATE KEY") encodings are accepted; SEC1 keys are common in
// operator-provisioned key material. The curve must be P-384 because the
// upstream validates ES384 signatures.
func NewPlaybackSigner(pemKey, keyPairID string) (*PlaybackSigner, error) {
	if strings.TrimSpace(keyPairID) == "" {
		return nil, fmt.Errorf("playback key pair id is required")
	}
	key, err := parseECPrivateKey(pemKey)
	if err != nil {
		return nil, err
	}
	if key.Curve != elliptic.P384() {
		return nil, fmt.Errorf("playback key must use curve P-384, got %s", key.Curve.Params().Name)
	}
	return &PlaybackSigner{keyPairID: keyPairID, key: key}, nil
}

// Sign produces a playback token for the channel, valid for ttl.
func (s *PlaybackSigner) Sign(channelArn, viewerID string, ttl time.Duration) (string, error) {
	if channelArn == "" {
		return "", fmt.Errorf("channel arn is required")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodES384, jwt.MapClaims{
		"aws:channel-arn": channelArn,
		"sub":             viewerID,
		"iat":             now.Unix(),
		"exp":             now.Add(ttl).Unix(),
	})
	token.Header["kid"] = s.keyPairID
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign playback token: %w", err)
	}
	return signed, nil
}

func parseECPrivateKey(pemKey string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("playback key is not valid PEM")
	}
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		key, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("playback key is not an EC key")
		}
		return key, nil
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse playback key: %w", err)
	}
	return key, nil
}
