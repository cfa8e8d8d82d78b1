// Package cachevalue defines the Cache Value carried by every tier: opaque
// payload bytes plus lifecycle metadata (creation/expiry timestamps, access
// accounting, estimated size, and an opaque metadata bag).
//
// Generalized from the teacher's pkg/models.Entry, which hard-coded a
// single Key+Value+TTL shape with no optional expiry (TTL==0 meant
// "never"); Value instead carries an explicit optional ExpiresAt so tiers
// and the coordinator can distinguish "no TTL configured" from "TTL
// applied, now compute the absolute deadline" per spec §4.1's Set rules.
package cachevalue

import (
	"sync/atomic"
	"time"
)

// Value is the opaque payload stored by a cache tier, plus its lifecycle
// metadata. AccessCount and LastAccessAt are updated on every read that
// returns this value; callers must use Touch rather than writing the
// fields directly since AccessCount is atomic.
type Value struct {
	Payload      []byte
	CreatedAt    time.Time
	ExpiresAt    *time.Time // nil means non-expiring
	accessCount  atomic.Uint64
	lastAccessAt atomic.Int64 // unix nanoseconds
	SizeBytes    int
	Metadata     map[string]string
}

// New creates a Value stamped with the current time and the payload's own
// size as its initial size estimate.
func New(payload []byte) *Value {
	v := &Value{
		Payload:   payload,
		CreatedAt: time.Now(),
		SizeBytes: len(payload),
	}
	v.lastAccessAt.Store(v.CreatedAt.UnixNano())
	return v
}

// WithTTL returns v with ExpiresAt set to now+ttl. ttl<=0 clears any expiry.
func (v *Value) WithTTL(ttl time.Duration) *Value {
	if ttl <= 0 {
		v.ExpiresAt = nil
		return v
	}
	at := time.Now().Add(ttl)
	v.ExpiresAt = &at
	return v
}

// IsExpired reports whether the value must no longer be returned to a reader.
func (v *Value) IsExpired(now time.Time) bool {
	return v.ExpiresAt != nil && !now.Before(*v.ExpiresAt)
}

// RemainingTTL returns the duration until expiry, or 0 if non-expiring
// (callers distinguish via the ok return).
func (v *Value) RemainingTTL(now time.Time) (time.Duration, bool) {
	if v.ExpiresAt == nil {
		return 0, false
	}
	d := v.ExpiresAt.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Touch records an access: bumps AccessCount and LastAccessAt atomically.
func (v *Value) Touch() {
	v.accessCount.Add(1)
	v.lastAccessAt.Store(time.Now().UnixNano())
}

// AccessCount returns the current access counter.
func (v *Value) AccessCount() uint64 { return v.accessCount.Load() }

// LastAccessAt returns the timestamp of the most recent Touch.
func (v *Value) LastAccessAt() time.Time {
	return time.Unix(0, v.lastAccessAt.Load())
}

// Clone returns a deep copy safe for independent mutation (e.g. before
// handing a value across a tier boundary during promotion/backfill).
func (v *Value) Clone() *Value {
	payload := make([]byte, len(v.Payload))
	copy(payload, v.Payload)

	meta := make(map[string]string, len(v.Metadata))
	for k, val := range v.Metadata {
		meta[k] = val
	}

	clone := &Value{
		Payload:   payload,
		CreatedAt: v.CreatedAt,
		SizeBytes: v.SizeBytes,
		Metadata:  meta,
	}
	if v.ExpiresAt != nil {
		at := *v.ExpiresAt
		clone.ExpiresAt = &at
	}
	clone.accessCount.Store(v.accessCount.Load())
	clone.lastAccessAt.Store(v.lastAccessAt.Load())
	return clone
}
