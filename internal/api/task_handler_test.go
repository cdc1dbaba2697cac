package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amilcarpio/financial-advisor-ai-app/internal/domain"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/store"
)

type fakeTaskReader struct {
	gotFilter store.TaskFilter
	tasks     []*domain.Task
	err       error
}

func (f *fakeTaskReader) ListTasks(_ context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	f.gotFilter = filter
	return f.tasks, f.err
}

func listTasks(h *TaskHandler, query string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/tasks"+query, nil)
	rec := httptest.NewRecorder()
	h.ListTasks(rec, req)
	return rec
}

func newHandler(reader *fakeTaskReader) *TaskHandler {
	return NewTaskHandler(reader, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestListTasks(t *testing.T) {
	t.Parallel()

	ownerID := uuid.New()
	task, err := domain.NewTask(ownerID, "welcome_email", json.RawMessage(`{}`), domain.TaskPriorityHigh)
	require.NoError(t, err)
	task.LastError = "smtp timeout"

	t.Run("returns task records", func(t *testing.T) {
		t.Parallel()
		reader := &fakeTaskReader{tasks: []*domain.Task{task}}
		rec := listTasks(newHandler(reader), "")

		require.Equal(t, http.StatusOK, rec.Code)
		var body taskListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, 1, body.Count)
		got := body.Tasks[0]
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, "welcome_email", got.Type)
		assert.Equal(t, string(domain.TaskStatusPending), got.Status)
		assert.Equal(t, "smtp timeout", got.LastError)
	})

	t.Run("empty result is an empty list, not null", func(t *testing.T) {
		t.Parallel()
		rec := listTasks(newHandler(&fakeTaskReader{}), "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"tasks":[]`)
	})

	t.Run("passes filters through", func(t *testing.T) {
		t.Parallel()
		reader := &fakeTaskReader{}
		from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
		rec := listTasks(newHandler(reader),
			"?status=failed&owner_id="+ownerID.String()+"&from=2026-08-01T00:00:00Z&limit=10")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, domain.TaskStatusFailed, reader.gotFilter.Status)
		assert.Equal(t, ownerID, reader.gotFilter.OwnerID)
		assert.True(t, from.Equal(reader.gotFilter.From))
		assert.Equal(t, 10, reader.gotFilter.Limit)
	})

	t.Run("invalid parameters rejected", func(t *testing.T) {
		t.Parallel()
		for name, query := range map[string]string{
			"bad status":   "?status=exploded",
			"bad owner_id": "?owner_id=not-a-uuid",
			"bad from":     "?from=yesterday",
			"bad to":       "?to=tomorrow",
			"zero limit":   "?limit=0",
			"huge limit":   "?limit=1000",
			"nan limit":    "?limit=ten",
		} {
			t.Run(name, func(t *testing.T) {
				rec := listTasks(newHandler(&fakeTaskReader{}), query)
				assert.Equal(t, http.StatusBadRequest, rec.Code)
			})
		}
	})

	t.Run("store failure maps to 500", func(t *testing.T) {
		t.Parallel()
		reader := &fakeTaskReader{err: errors.New("connection reset")}
		rec := listTasks(newHandler(reader), "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "connection reset", "driver errors stay internal")
	})
}
