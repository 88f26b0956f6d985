package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/careloop/eventspine/pkg/eventspine/event"
)

// canonicalJSON sorts map keys like the standard library, so serialization
// of the same value is byte-stable across appends and verifications.
var canonicalJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// canonicalRecord is the scalar shape hashed for tamper evidence. It covers
// every field an attacker would need to alter to rewrite history: identity,
// aggregate reference, payload, metadata, and both sequence numbers.
type canonicalRecord struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	Timestamp      int64           `json:"timestamp_unix_nano"`
	SchemaVersion  int             `json:"schema_version"`
	Payload        json.RawMessage `json:"payload"`
	Metadata       event.Metadata  `json:"metadata"`
	Sequence       int64           `json:"sequence"`
	GlobalSequence int64           `json:"global_sequence"`
}

// marshalPayload serializes an opaque payload once, at append time.
// A nil payload canonicalizes to JSON null.
func marshalPayload(payload any) ([]byte, error) {
	data, err := canonicalJSON.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// computeChecksum hashes the canonical serialization of an event plus its
// assigned sequence numbers. Verification recomputes and compares.
func computeChecksum(evt *event.DomainEvent, payloadJSON []byte, sequence, globalSequence int64) (string, error) {
	rec := canonicalRecord{
		EventID:        evt.EventID,
		EventType:      evt.EventType,
		AggregateID:    evt.AggregateID,
		AggregateType:  string(evt.AggregateType),
		Timestamp:      evt.Timestamp.UnixNano(),
		SchemaVersion:  evt.SchemaVersion,
		Payload:        payloadJSON,
		Metadata:       evt.Metadata,
		Sequence:       sequence,
		GlobalSequence: globalSequence,
	}

	data, err := canonicalJSON.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal canonical record: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// snapshotChecksum hashes a snapshot's state together with its aggregate
// reference and version.
func snapshotChecksum(aggregateID string, aggregateType event.AggregateType, version int64, state json.RawMessage) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|", aggregateID, aggregateType, version)
	h.Write(state)
	return hex.EncodeToString(h.Sum(nil))
}
