package keyrequest

import (
	"fmt"
	"time"
)

// Record field and label names used by every store backend.
const (
	FieldID        = "request_id"
	FieldRequester = "email"
	FieldModel     = "model"
	FieldState     = "state"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
	FieldAPIKey    = "api_key"

	LabelState     = "state"
	LabelRequester = "requester"
)

// ToRecord flattens r into string fields.
func ToRecord(r *Request) map[string]string {
	rec := map[string]string{
		FieldID:        r.ID,
		FieldRequester: r.Requester,
		FieldModel:     r.Model,
		FieldState:     string(r.State),
		FieldCreatedAt: r.CreatedAt.UTC().Format(time.RFC3339Nano),
		FieldUpdatedAt: r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.APIKey != "" {
		rec[FieldAPIKey] = r.APIKey
	}
	return rec
}

// Labels returns the queryable labels of r.
func Labels(r *Request) map[string]string {
	return map[string]string{
		LabelState:     string(r.State),
		LabelRequester: r.Requester,
	}
}

// FromRecord is the inverse of ToRecord.
func FromRecord(rec map[string]string) (*Request, error) {
	id := rec[FieldID]
	if id == "" {
		return nil, fmt.Errorf("record missing %s", FieldID)
	}
	state, err := ParseState(rec[FieldState])
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	created, err := parseTime(rec[FieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("record %s: %s: %w", id, FieldCreatedAt, err)
	}
	updated, err := parseTime(rec[FieldUpdatedAt])
	if err != nil {
		return nil, fmt.Errorf("record %s: %s: %w", id, FieldUpdatedAt, err)
	}
	return &Request{
		ID:        id,
		Requester: rec[FieldRequester],
		Model:     rec[FieldModel],
		State:     state,
		CreatedAt: created,
		UpdatedAt: updated,
		APIKey:    rec[FieldAPIKey],
	}, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
