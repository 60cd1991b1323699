package keyrequest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	r := New("alice@example.com", "gpt-4", now)

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, StatePending, r.State)
	assert.Equal(t, now, r.CreatedAt)
	assert.Equal(t, now, r.UpdatedAt)
	assert.Equal(t, "user-alice@example.com-gpt-4", r.Alias())
	assert.Equal(t, "alice@example.com - gpt-4", r.DisplayName())
	assert.True(t, r.Outstanding())
}

func TestParseState(t *testing.T) {
	for in, want := range map[string]State{
		"pending":   StatePending,
		"APPROVED":  StateApproved,
		"Denied":    StateDenied,
		"in-review": StateReview,
		"REVIEW":    StateReview,
	} {
		got, err := ParseState(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseState("archived")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestChangesApply(t *testing.T) {
	r := New("bob@example.com", "claude-3", time.Unix(0, 0))
	key := "sk-123"
	approved := StateApproved
	later := time.Unix(100, 0)

	Changes{State: &approved, APIKey: &key}.Apply(r, later)
	assert.Equal(t, StateApproved, r.State)
	assert.Equal(t, "sk-123", r.APIKey)
	assert.Equal(t, later.UTC(), r.UpdatedAt)

	denied := StateDenied
	Changes{State: &denied, ClearAPIKey: true}.Apply(r, later)
	assert.Empty(t, r.APIKey)
	assert.Equal(t, StateDenied, r.State)
}

func TestRecordRoundTrip(t *testing.T) {
	r := New("carol@example.com", "openai/gpt-4o", time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC))
	r.APIKey = "sk-abc"

	rec := ToRecord(r)
	assert.Equal(t, "pending", rec[FieldState])

	got, err := FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, r, got)

	labels := Labels(r)
	assert.Equal(t, "carol@example.com", labels[LabelRequester])
	assert.Equal(t, "pending", labels[LabelState])
}

func TestFromRecordRejectsBadState(t *testing.T) {
	_, err := FromRecord(map[string]string{FieldID: "x", FieldState: "lost"})
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = FromRecord(map[string]string{})
	assert.Error(t, err)
}

func TestStatusMessage(t *testing.T) {
	assert.Contains(t, StatusMessage(StatePending, "gpt-4"), "pending approval")
	assert.Contains(t, StatusMessage(StateApproved, "gpt-4"), "Check your email")
	assert.Contains(t, StatusMessage(StateDenied, "gpt-4"), "was denied")
	assert.Contains(t, StatusMessage(StateReview, "gpt-4"), "being processed")
	assert.Contains(t, CreatedMessage("gpt-4"), "created successfully")
}
