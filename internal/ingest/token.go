package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// TokenSigner mints and verifies the per-run worker tokens that
// authenticate callbacks from training jobs. A token is the
// HMAC-SHA256 of the runId under the studio's worker key, so the
// server can verify statelessly and a token leaked from one run is
// useless for another.
type TokenSigner struct {
	key []byte
}

// NewTokenSigner builds a signer over the shared worker key.
func NewTokenSigner(key []byte) *TokenSigner {
	return &TokenSigner{key: key}
}

// Sign returns the worker token for one runId.
func (s *TokenSigner) Sign(runID string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte("dojo-worker|" + runID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether token is valid for runID, in constant time.
func (s *TokenSigner) Verify(runID, token string) bool {
	got, err := hex.DecodeString(token)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte("dojo-worker|" + runID))
	return hmac.Equal(got, mac.Sum(nil))
}
