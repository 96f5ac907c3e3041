// Package idempotency stores the first response to a keyed request so client
// retries of session-creating calls replay it instead of failing with a
// conflict.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound is returned when an idempotency key is not found.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrKeyExists is returned when attempting to create a duplicate key.
	ErrKeyExists = errors.New("idempotency key already exists")

	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds maximum length.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength is the maximum allowed length for a client supplied key.
const MaxKeyLength = 64

// DefaultExpiry is how long a stored response is replayed.
const DefaultExpiry = 24 * time.Hour

// Record is a stored response.
type Record struct {
	Key                string    `json:"key"`
	ActorID            string    `json:"actor_id"`
	Method             string    `json:"method"`
	Route              string    `json:"route"`
	CreatedAt          time.Time `json:"created_at"`
	ResponseHash       string    `json:"response_hash"`
	ResponseBody       string    `json:"response_body"`
	ResponseStatusCode int       `json:"response_status_code"`
}

// ValidateKey checks a client supplied key.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}

// ScopedKey namespaces a client key by actor and route, so two participants
// reusing the same key never see each other's responses.
func ScopedKey(actorID, method, route, key string) string {
	return actorID + "|" + method + " " + route + "|" + key
}

// ComputeResponseHash computes a SHA256 hash of the response body.
func ComputeResponseHash(responseBody string) string {
	hash := sha256.Sum256([]byte(responseBody))
	return hex.EncodeToString(hash[:])
}

// Verify reports whether the stored body still matches its hash.
func (r *Record) Verify() bool {
	return r.ResponseHash == ComputeResponseHash(r.ResponseBody)
}

// Repository persists records keyed by ScopedKey.
type Repository interface {
	// Get returns ErrKeyNotFound if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) (*Record, error)

	// Store returns ErrKeyExists if the key already exists.
	Store(ctx context.Context, record *Record) error

	// DeleteOlderThan removes records older than the specified duration.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}
