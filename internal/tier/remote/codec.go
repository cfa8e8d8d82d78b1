package remote

import (
	"encoding/json"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/otero/cachefabric/pkg/cachevalue"
)

// envelope is the wire representation of a cachevalue.Value. Value itself
// carries unexported atomic fields for access accounting that have no
// business crossing the wire, so the envelope only carries what the
// remote tier needs to reconstruct a value on the receiving side.
type envelope struct {
	Payload   []byte            `json:"payload" msgpack:"payload"`
	CreatedAt time.Time         `json:"created_at" msgpack:"created_at"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty" msgpack:"expires_at,omitempty"`
	SizeBytes int               `json:"size_bytes" msgpack:"size_bytes"`
	Metadata  map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

func toEnvelope(v *cachevalue.Value) envelope {
	return envelope{
		Payload:   v.Payload,
		CreatedAt: v.CreatedAt,
		ExpiresAt: v.ExpiresAt,
		SizeBytes: v.SizeBytes,
		Metadata:  v.Metadata,
	}
}

func (e envelope) toValue() *cachevalue.Value {
	v := &cachevalue.Value{
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
		SizeBytes: e.SizeBytes,
		Metadata:  e.Metadata,
	}
	if v.SizeBytes == 0 {
		v.SizeBytes = len(v.Payload)
	}
	return v
}

// codec encodes/decodes cachevalue.Value envelopes for wire transport.
type codec interface {
	encode(v *cachevalue.Value) ([]byte, error)
	decode(raw []byte) (*cachevalue.Value, error)
}

func codecFor(s Serialization) codec {
	if s == SerializationMsgPack {
		return msgpackCodec{}
	}
	return jsonCodec{}
}

type jsonCodec struct{}

func (jsonCodec) encode(v *cachevalue.Value) ([]byte, error) {
	return json.Marshal(toEnvelope(v))
}

func (jsonCodec) decode(raw []byte) (*cachevalue.Value, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return e.toValue(), nil
}

type msgpackCodec struct{}

func (msgpackCodec) encode(v *cachevalue.Value) ([]byte, error) {
	return msgpack.Marshal(toEnvelope(v))
}

func (msgpackCodec) decode(raw []byte) (*cachevalue.Value, error) {
	var e envelope
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return e.toValue(), nil
}
