package provisioner

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// JWS signs and verifies engine reservation tokens with an in-memory
// Ed25519 key. Tokens are opaque to sessions and clients; only the
// provisioner that minted a token can verify it.
type JWS struct {
	kid  string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

type leaseClaims struct {
	HandleID   string `json:"hid"`
	SharingKey string `json:"key"`
	IssuedAt   int64  `json:"iat"`
}

// NewJWS generates a fresh signing key. Tokens do not survive a
// process restart, matching lease lifetimes.
func NewJWS() (*JWS, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &JWS{kid: "lease-1", priv: priv, pub: pub}, nil
}

// SignLease mints a compact JWS binding a lease to its handle.
func (j *JWS) SignLease(handleID, sharingKey string) (string, error) {
	payload, err := json.Marshal(leaseClaims{
		HandleID:   handleID,
		SharingKey: sharingKey,
		IssuedAt:   time.Now().Unix(),
	})
	if err != nil {
		return "", err
	}
	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", j.kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: j.priv}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign lease: %w", err)
	}
	return sig.CompactSerialize()
}

// VerifyLease checks the token signature and returns the bound handle
// id.
func (j *JWS) VerifyLease(token string) (string, error) {
	sig, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return "", fmt.Errorf("failed to parse lease token: %w", err)
	}
	payload, err := sig.Verify(j.pub)
	if err != nil {
		return "", fmt.Errorf("lease signature verification failed: %w", err)
	}
	var claims leaseClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("invalid lease claims: %w", err)
	}
	return claims.HandleID, nil
}
