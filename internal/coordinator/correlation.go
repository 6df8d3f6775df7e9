package coordinator

import (
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrMissingKey is returned for an envelope that carries neither a business
// id nor a correlation id.
var ErrMissingKey = errors.New("coordinator: envelope has no businessId or correlationId")

// DeriveCorrelationID maps a business id to its saga correlation id.
//
// The id is the MD5 digest of the UTF-8 bytes of businessID, the 16 digest
// bytes taken verbatim as the UUID. Producers and consumers that never talk
// to each other land on the same saga for the same business id. Changing the
// digest would orphan every in-flight saga.
func DeriveCorrelationID(businessID string) uuid.UUID {
	return uuid.UUID(md5.Sum([]byte(businessID)))
}

// Envelope is an inbound business event as received from the broker.
type Envelope struct {
	// BusinessID is hashed into the correlation id when CorrelationID is nil.
	BusinessID string

	// CorrelationID is set when the producer chose the key itself.
	CorrelationID *uuid.UUID

	// Data is the business payload. nil when the field was absent.
	Data *string
}

// Key returns the correlation id the envelope belongs to.
func (e Envelope) Key() (uuid.UUID, error) {
	if e.CorrelationID != nil {
		return *e.CorrelationID, nil
	}
	if e.BusinessID == "" {
		return uuid.Nil, ErrMissingKey
	}
	return DeriveCorrelationID(e.BusinessID), nil
}

// wireEnvelope is the JSON shape on the inbound topic. someId is the field
// name used by the first producers and is kept as an alias of businessId.
type wireEnvelope struct {
	BusinessID    string     `json:"businessId"`
	SomeID        string     `json:"someId"`
	CorrelationID *uuid.UUID `json:"correlationId"`
	Data          *string    `json:"data"`
}

// DecodeEnvelope parses an inbound message. It fails on invalid JSON, on a
// correlationId that is not a UUID, and on a message with no key at all.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, fmt.Errorf("coordinator: decode envelope: %w", err)
	}

	// The business id is hashed byte for byte, so it is never normalised.
	env := Envelope{
		BusinessID:    w.BusinessID,
		CorrelationID: w.CorrelationID,
		Data:          w.Data,
	}
	if env.BusinessID == "" {
		env.BusinessID = w.SomeID
	}
	if _, err := env.Key(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
