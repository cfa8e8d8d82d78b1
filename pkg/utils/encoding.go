// Package utils provides serialization utilities for cache entries and events.
//
// This file implements marshal/unmarshal helpers with pluggable encoding.
// Default: JSON (stdlib, portable, human-readable)
// Optional: MessagePack (compact binary, faster for large payloads, used by
// the remote tier's wire format and by components that prioritize size over
// readability)
//
// Trade-offs:
//   - JSON: Human-readable, slower (~2x), larger size (~1.3x)
//   - MsgPack: Binary, faster, smaller, opaque to casual inspection
package utils

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/otero/cachefabric/pkg/models"
)

// Encoding represents the serialization format.
type Encoding int

const (
	// EncodingJSON uses JSON encoding (default).
	EncodingJSON Encoding = iota
	// EncodingMsgPack uses MessagePack encoding via vmihailenco/msgpack/v5.
	EncodingMsgPack
)

// DefaultEncoding is the default serialization format.
var DefaultEncoding = EncodingJSON

// MarshalEntry serializes a cache entry to bytes using DefaultEncoding.
func MarshalEntry(e *models.Entry) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("cannot marshal nil entry")
	}
	return marshalWith(DefaultEncoding, e)
}

// UnmarshalEntry deserializes a cache entry from bytes, assuming
// DefaultEncoding.
func UnmarshalEntry(data []byte) (*models.Entry, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var entry models.Entry
	if err := unmarshalWith(DefaultEncoding, data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	return &entry, nil
}

// MarshalEntryAs serializes a cache entry using an explicit encoding, for
// callers that need to pick the wire format per-tier (e.g. the remote tier
// storing a compact MsgPack blob while local tiers keep JSON for debugging).
func MarshalEntryAs(enc Encoding, e *models.Entry) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("cannot marshal nil entry")
	}
	return marshalWith(enc, e)
}

// UnmarshalEntryAs deserializes a cache entry encoded with enc.
func UnmarshalEntryAs(enc Encoding, data []byte) (*models.Entry, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}
	var entry models.Entry
	if err := unmarshalWith(enc, data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &entry, nil
}

// MarshalEvent serializes an event to bytes.
// Generic function for any event type.
//
// Example:
//
//	event := &pubsub.InvalidationEvent{...}
//	data, err := MarshalEvent(event)
func MarshalEvent(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("cannot marshal nil event")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return data, nil
}

// UnmarshalEvent deserializes an event from bytes into the provided pointer.
//
// Example:
//
//	var event pubsub.InvalidationEvent
//	err := UnmarshalEvent(data, &event)
func UnmarshalEvent(data []byte, event interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("cannot unmarshal empty data")
	}

	if event == nil {
		return fmt.Errorf("event pointer cannot be nil")
	}

	if err := json.Unmarshal(data, event); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return nil
}

func marshalWith(enc Encoding, v interface{}) ([]byte, error) {
	switch enc {
	case EncodingMsgPack:
		data, err := msgpack.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("msgpack marshal: %w", err)
		}
		return data, nil
	default:
		return json.Marshal(v)
	}
}

func unmarshalWith(enc Encoding, data []byte, v interface{}) error {
	switch enc {
	case EncodingMsgPack:
		if err := msgpack.Unmarshal(data, v); err != nil {
			return fmt.Errorf("msgpack unmarshal: %w", err)
		}
		return nil
	default:
		return json.Unmarshal(data, v)
	}
}

// MarshalJSON is a convenience wrapper for encoding arbitrary data.
// Use this for metrics, metadata, or other structured data.
func MarshalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// UnmarshalJSON is a convenience wrapper for decoding arbitrary data.
func UnmarshalJSON(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("cannot unmarshal empty data")
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return nil
}

// CompactJSON compacts JSON by removing whitespace.
// Useful for reducing payload size when human-readability isn't needed.
func CompactJSON(data []byte) ([]byte, error) {
	var compacted json.RawMessage
	if err := json.Unmarshal(data, &compacted); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	return json.Marshal(compacted)
}

// PrettyJSON formats JSON with indentation for human readability.
// Useful for debugging and admin UIs.
func PrettyJSON(data []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to format JSON: %w", err)
	}

	return pretty, nil
}

// EstimateEncodedSize estimates the encoded size of a value in bytes.
// This is approximate and used for memory accounting.
//
// Note: Actual size may vary slightly due to encoding overhead.
func EstimateEncodedSize(v interface{}) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
