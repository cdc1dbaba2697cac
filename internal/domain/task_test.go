package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTask(t *testing.T) {
	t.Parallel()

	ownerID := uuid.New()

	t.Run("valid task", func(t *testing.T) {
		t.Parallel()

		payload := json.RawMessage(`{"history_id":"123"}`)
		task, err := NewTask(ownerID, "gmail_sync", payload, TaskPriorityMedium)

		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, task.ID)
		assert.Equal(t, ownerID, task.OwnerID)
		assert.Equal(t, "gmail_sync", task.Type)
		assert.Equal(t, TaskStatusPending, task.Status)
		assert.Equal(t, 0, task.Attempts)
		assert.Equal(t, DefaultMaxAttempts, task.MaxAttempts)
		assert.Nil(t, task.LockedBy)
		assert.Nil(t, task.LockedAt)
		assert.False(t, task.RunAfter.After(time.Now().UTC()))
	})

	t.Run("nil payload defaults to empty object", func(t *testing.T) {
		t.Parallel()

		task, err := NewTask(ownerID, "generic", nil, TaskPriorityLow)

		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(task.Payload))
	})

	t.Run("empty type rejected", func(t *testing.T) {
		t.Parallel()

		_, err := NewTask(ownerID, "", nil, TaskPriorityLow)
		assert.ErrorIs(t, err, ErrEmptyTaskType)
	})

	t.Run("empty owner rejected", func(t *testing.T) {
		t.Parallel()

		_, err := NewTask(uuid.Nil, "generic", nil, TaskPriorityLow)
		assert.ErrorIs(t, err, ErrEmptyTaskOwnerID)
	})
}

func TestTaskValidate(t *testing.T) {
	t.Parallel()

	task, err := NewTask(uuid.New(), "generic", nil, TaskPriorityMedium)
	require.NoError(t, err)

	task.Status = TaskStatus("sleeping")
	assert.ErrorIs(t, task.Validate(), ErrInvalidTaskState)
}

func TestTaskTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{TaskStatusPending, false},
		{TaskStatusInProgress, false},
		{TaskStatusDone, true},
		{TaskStatusFailed, true},
	}

	for _, tt := range tests {
		task := &Task{Status: tt.status}
		assert.Equal(t, tt.terminal, task.Terminal(), "status %s", tt.status)
	}
}

func TestNewEvent(t *testing.T) {
	t.Parallel()

	t.Run("valid event", func(t *testing.T) {
		t.Parallel()

		event, err := NewEvent(EventSourceHubSpot, "hubspot.contact.creation", uuid.New(), "evt-1", map[string]any{"objectId": float64(42)})

		require.NoError(t, err)
		assert.Equal(t, EventSourceHubSpot, event.Source)
		assert.Equal(t, "hubspot.contact.creation", event.Type)
		assert.Equal(t, "evt-1", event.ExternalID)
	})

	t.Run("unknown source rejected", func(t *testing.T) {
		t.Parallel()

		_, err := NewEvent(EventSource("slack"), "slack.message", uuid.New(), "evt-2", nil)
		assert.ErrorIs(t, err, ErrInvalidEventSource)
	})

	t.Run("missing external ID rejected", func(t *testing.T) {
		t.Parallel()

		_, err := NewEvent(EventSourceGmail, "gmail.message.received", uuid.New(), "", nil)
		assert.ErrorIs(t, err, ErrEmptyEventExternalID)
	})
}

func TestNewRule(t *testing.T) {
	t.Parallel()

	rule, err := NewRule(uuid.New(), "when hubspot.contact.creation then log")
	require.NoError(t, err)
	assert.True(t, rule.Enabled)

	_, err = NewRule(uuid.New(), "")
	assert.ErrorIs(t, err, ErrEmptyRuleText)
}
