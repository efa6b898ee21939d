// Package auth manages the two credentials the brokerage issues: the REST
// access token and the streaming approval key.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Kind distinguishes the two independently cached credentials.
type Kind string

const (
	// KindAccess is the bearer token sent on every REST call.
	KindAccess Kind = "access"
	// KindApproval is the approval key sent in streaming control messages.
	KindApproval Kind = "approval"
)

// Token is an issued credential with its lifetime.
type Token struct {
	Kind      Kind      `json:"kind"`
	Value     string    `json:"value"`
	Type      string    `json:"type,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt reports whether the token is still usable at now with margin to spare.
func (t *Token) ValidAt(now time.Time, margin time.Duration) bool {
	return t != nil && t.Value != "" && now.Add(margin).Before(t.ExpiresAt)
}

// Remaining returns the lifetime left at now, never negative.
func (t *Token) Remaining(now time.Time) time.Duration {
	if t == nil {
		return 0
	}
	return max(t.ExpiresAt.Sub(now), 0)
}

// Authorization returns the authorization header value.
func (t *Token) Authorization() string {
	return "Bearer " + t.Value
}

// String masks the token value.
func (t *Token) String() string {
	v := t.Value
	if len(v) > 8 {
		v = v[:4] + "****" + v[len(v)-4:]
	} else {
		v = "****"
	}
	return fmt.Sprintf("Token{Kind:%s, Value:%s, ExpiresAt:%s}", t.Kind, v, t.ExpiresAt.Format(time.RFC3339))
}

// StoreKey returns the persistence key of a token kind for an app key.
// The app key itself is never written to a store.
func StoreKey(kind Kind, appKey string) string {
	sum := sha256.Sum256([]byte(appKey))
	return "kisgate:token:" + string(kind) + ":" + hex.EncodeToString(sum[:])
}
