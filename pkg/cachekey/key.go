// Package cachekey implements the canonical cache key model shared by every
// tier and by the Cache Coordinator: a namespace, a key, an optional
// version, and an optional tag set, collapsing to either a readable full
// key or a stable hash key when the full key would be unwieldy.
package cachekey

import (
	"crypto/md5" //nolint:gosec // digest is not security-bearing, only used for key shortening
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// maxFullKeyBytes is the threshold past which Key switches to its hashed form.
const maxFullKeyBytes = 250

// ErrEmptyNamespace is returned when a Key is built with no namespace.
var ErrEmptyNamespace = errors.New("cachekey: namespace cannot be empty")

// ErrEmptyKey is returned when a Key is built with no key component.
var ErrEmptyKey = errors.New("cachekey: key cannot be empty")

// Key is the uniform cache key used across every tier.
type Key struct {
	Namespace string
	Name      string
	Version   int // 0 means unversioned
	Tags      []string
}

// New constructs a Key, validating the namespace and name are non-empty.
func New(namespace, name string) (Key, error) {
	if namespace == "" {
		return Key{}, ErrEmptyNamespace
	}
	if name == "" {
		return Key{}, ErrEmptyKey
	}
	return Key{Namespace: namespace, Name: name}, nil
}

// ErrMalformedFullKey is returned when ParseFullKey is given a string that
// doesn't match the "namespace:name[:v<version>]" shape FullKey produces.
var ErrMalformedFullKey = errors.New("cachekey: malformed full key")

// ParseFullKey is the inverse of FullKey: it recovers namespace, name, and
// version from a string previously produced by FullKey. Used wherever a
// caller only has the readable form on hand, such as an invalidation
// request's key list.
func ParseFullKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Key{}, ErrMalformedFullKey
	}
	k, err := New(parts[0], parts[1])
	if err != nil {
		return Key{}, err
	}
	if len(parts) == 3 {
		vs := strings.TrimPrefix(parts[2], "v")
		v, err := strconv.Atoi(vs)
		if err != nil {
			return Key{}, fmt.Errorf("%w: bad version %q", ErrMalformedFullKey, parts[2])
		}
		k = k.WithVersion(v)
	}
	return k, nil
}

// WithVersion returns a copy of k pinned to the given version.
func (k Key) WithVersion(v int) Key {
	k.Version = v
	return k
}

// WithTags returns a copy of k carrying the given tags.
func (k Key) WithTags(tags ...string) Key {
	k.Tags = append([]string(nil), tags...)
	return k
}

// FullKey renders the readable form: "namespace:key[:v<version>]".
func (k Key) FullKey() string {
	if k.Version > 0 {
		return fmt.Sprintf("%s:%s:v%d", k.Namespace, k.Name, k.Version)
	}
	return fmt.Sprintf("%s:%s", k.Namespace, k.Name)
}

// HashKey renders the storage key actually used for lookups: the full key
// verbatim when short enough, otherwise a namespace-scoped hash of it.
//
// Equality and hashing of Key are defined over this value, not FullKey,
// so two keys that only differ once hashed (collision) are never expected
// to occur in practice — the digest is 128 bits and not attacker-controlled
// in the threat model this cache sits behind.
func (k Key) HashKey() string {
	full := k.FullKey()
	if len(full) <= maxFullKeyBytes {
		return full
	}
	sum := md5.Sum([]byte(full)) //nolint:gosec // stable shortening digest, not a security boundary
	return fmt.Sprintf("%s:hash:%s", k.Namespace, hex.EncodeToString(sum[:]))
}

// Equal reports whether two keys resolve to the same hash key.
func (k Key) Equal(other Key) bool {
	return k.HashKey() == other.HashKey()
}

// String implements fmt.Stringer for logging.
func (k Key) String() string {
	return k.HashKey()
}
