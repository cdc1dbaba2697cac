package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amilcarpio/financial-advisor-ai-app/internal/config"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/dispatch"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/domain"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/rules"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeUserStore struct {
	byPortal map[string]*domain.User
	byEmail  map[string]*domain.User
	calendar []*domain.User
}

func (f *fakeUserStore) GetByHubSpotPortalID(_ context.Context, portalID string) (*domain.User, error) {
	if u, ok := f.byPortal[portalID]; ok {
		return u, nil
	}
	return nil, store.ErrUserNotFound
}

func (f *fakeUserStore) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	if u, ok := f.byEmail[email]; ok {
		return u, nil
	}
	return nil, store.ErrUserNotFound
}

func (f *fakeUserStore) ListCalendarConnected(_ context.Context) ([]*domain.User, error) {
	return f.calendar, nil
}

type fakeDedupStore struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeDedup() *fakeDedupStore {
	return &fakeDedupStore{seen: make(map[string]bool)}
}

func (f *fakeDedupStore) MarkSeen(_ context.Context, source domain.EventSource, externalID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(source) + "/" + externalID
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeDedupStore) Forget(_ context.Context, source domain.EventSource, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, string(source)+"/"+externalID)
	return nil
}

type fakeRuleStore struct {
	rules []*domain.Rule
}

func (f *fakeRuleStore) GetEnabledByOwner(_ context.Context, ownerID uuid.UUID) ([]*domain.Rule, error) {
	var out []*domain.Rule
	for _, r := range f.rules {
		if r.OwnerID == ownerID && r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeTaskStore struct {
	mu    sync.Mutex
	tasks []*domain.Task
	err   error
}

func (f *fakeTaskStore) CreateTask(_ context.Context, task *domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

type fixture struct {
	ingress *Ingress
	users   *fakeUserStore
	dedup   *fakeDedupStore
	rules   *fakeRuleStore
	tasks   *fakeTaskStore
	owner   *domain.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	owner := &domain.User{
		ID:              uuid.New(),
		Email:           "advisor@example.com",
		HubSpotPortalID: "12345",
		GoogleConnected: true,
	}

	users := &fakeUserStore{
		byPortal: map[string]*domain.User{owner.HubSpotPortalID: owner},
		byEmail:  map[string]*domain.User{owner.Email: owner},
		calendar: []*domain.User{owner},
	}
	ruleStore := &fakeRuleStore{}
	taskStore := &fakeTaskStore{}
	dedup := newFakeDedup()

	matcher := rules.NewMatcher(ruleStore, logger)
	dispatcher := dispatch.NewDispatcher(taskStore,
		[]string{"generic", "welcome_email", "gmail_sync", "calendar_sync"}, 3, logger)

	cfg := config.WebhookConfig{
		HubSpotSecret: testSecret,
		DedupTTL:      24 * time.Hour,
		RatePerSecond: 1000,
		RateBurst:     1000,
	}

	return &fixture{
		ingress: NewIngress(users, dedup, matcher, dispatcher, cfg, logger),
		users:   users,
		dedup:   dedup,
		rules:   ruleStore,
		tasks:   taskStore,
		owner:   owner,
	}
}

func (f *fixture) addRule(t *testing.T, text string) {
	t.Helper()
	rule, err := domain.NewRule(f.owner.ID, text)
	require.NoError(t, err)
	f.rules.rules = append(f.rules.rules, rule)
}

func hubspotBody(t *testing.T, events ...map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(events)
	require.NoError(t, err)
	return body
}

func hubspotEventJSON(eventID int64, subscriptionType string) map[string]any {
	return map[string]any{
		"eventId":          eventID,
		"subscriptionType": subscriptionType,
		"portalId":         12345,
		"objectId":         777,
		"occurredAt":       time.Now().UnixMilli(),
	}
}

func postHubSpot(ing *Ingress, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/hubspot", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	ing.HandleHubSpot(rec, req)
	return rec
}

func decodeReceipt(t *testing.T, rec *httptest.ResponseRecorder) receiptResponse {
	t.Helper()
	var receipt receiptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	return receipt
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	body := []byte(`[{"eventId":1}]`)

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, VerifySignature(testSecret, body, Sign(testSecret, body)))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.ErrorIs(t, VerifySignature(testSecret, body, Sign("another-secret-value", body)), ErrBadSignature)
	})

	t.Run("tampered body", func(t *testing.T) {
		sig := Sign(testSecret, body)
		assert.ErrorIs(t, VerifySignature(testSecret, []byte(`[{"eventId":2}]`), sig), ErrBadSignature)
	})

	t.Run("missing scheme prefix", func(t *testing.T) {
		assert.ErrorIs(t, VerifySignature(testSecret, body, "deadbeef"), ErrBadSignature)
	})

	t.Run("non-hex digest", func(t *testing.T) {
		assert.ErrorIs(t, VerifySignature(testSecret, body, "hmac-sha256=zzzz"), ErrBadSignature)
	})
}

func TestHandleHubSpot_EndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addRule(t, "when contact.creation then create_task type=welcome_email priority=high")
	f.addRule(t, "when contact.creation then log")

	body := hubspotBody(t, hubspotEventJSON(1001, "contact.creation"))
	rec := postHubSpot(f.ingress, body, Sign(testSecret, body))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decodeReceipt(t, rec)
	assert.Equal(t, 1, receipt.Processed)
	assert.Zero(t, receipt.Deduped)

	require.Len(t, f.tasks.tasks, 1, "create_task fired once, log action creates no task")
	task := f.tasks.tasks[0]
	assert.Equal(t, "welcome_email", task.Type)
	assert.Equal(t, domain.TaskPriorityHigh, task.Priority)
	assert.Equal(t, f.owner.ID, task.OwnerID)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
}

func TestHandleHubSpot_RepeatedDeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addRule(t, "when contact.creation then create_task type=generic")

	body := hubspotBody(t, hubspotEventJSON(2002, "contact.creation"))
	sig := Sign(testSecret, body)

	for i := 0; i < 5; i++ {
		rec := postHubSpot(f.ingress, body, sig)
		require.Equal(t, http.StatusOK, rec.Code)
		receipt := decodeReceipt(t, rec)
		if i == 0 {
			assert.Equal(t, 1, receipt.Processed)
		} else {
			assert.Zero(t, receipt.Processed)
			assert.Equal(t, 1, receipt.Deduped)
		}
	}

	assert.Len(t, f.tasks.tasks, 1, "five deliveries, one task")
}

func TestHandleHubSpot_BadSignature(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	body := hubspotBody(t, hubspotEventJSON(1, "contact.creation"))

	for name, sig := range map[string]string{
		"missing":      "",
		"wrong secret": Sign("not-the-right-secret", body),
		"garbage":      "hmac-sha256=feedface",
	} {
		t.Run(name, func(t *testing.T) {
			rec := postHubSpot(f.ingress, body, sig)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
	assert.Empty(t, f.tasks.tasks)
}

func TestHandleHubSpot_MalformedBody(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for name, body := range map[string][]byte{
		"not json":       []byte("hello"),
		"empty array":    []byte("[]"),
		"object":         []byte(`{"eventId":1}`),
		"missing fields": []byte(`[{"portalId":12345}]`),
	} {
		t.Run(name, func(t *testing.T) {
			rec := postHubSpot(f.ingress, body, Sign(testSecret, body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleHubSpot_UnknownPortalAcknowledged(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	event := hubspotEventJSON(3003, "contact.creation")
	event["portalId"] = 99999
	body := hubspotBody(t, event)

	rec := postHubSpot(f.ingress, body, Sign(testSecret, body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decodeReceipt(t, rec).Processed)
	assert.Empty(t, f.tasks.tasks)
}

func TestHandleHubSpot_DispatchFailureReturns500(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addRule(t, "when contact.creation then create_task type=generic")
	f.tasks.err = fmt.Errorf("pq: connection refused")

	body := hubspotBody(t, hubspotEventJSON(4004, "contact.creation"))
	rec := postHubSpot(f.ingress, body, Sign(testSecret, body))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleHubSpot_RetryAfterDispatchFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addRule(t, "when contact.creation then create_task type=generic")

	body := hubspotBody(t, hubspotEventJSON(5005, "contact.creation"))
	sig := Sign(testSecret, body)

	f.tasks.err = fmt.Errorf("pq: connection refused")
	rec := postHubSpot(f.ingress, body, sig)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Empty(t, f.tasks.tasks)

	// The failed delivery must not be remembered as processed: the
	// provider's retry has to go through the full pipeline.
	f.tasks.err = nil
	rec = postHubSpot(f.ingress, body, sig)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decodeReceipt(t, rec)
	assert.Equal(t, 1, receipt.Processed)
	assert.Zero(t, receipt.Deduped)
	assert.Len(t, f.tasks.tasks, 1, "retry after transient failure creates the task")
}

func TestHandleGmail_RetryAfterEnqueueFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	body := gmailBody(t, "msg-retry", f.owner.Email, 11)

	f.tasks.err = fmt.Errorf("pq: connection refused")
	rec := postGmail(f.ingress, body)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	f.tasks.err = nil
	rec = postGmail(f.ingress, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decodeReceipt(t, rec).Processed)
	assert.Len(t, f.tasks.tasks, 1, "retry schedules the gmail_sync task")
}

func TestHandleHubSpot_RateLimited(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ingress.limiter = NewRateLimiter(1, 2)

	body := hubspotBody(t, hubspotEventJSON(1, "contact.creation"))
	sig := Sign(testSecret, body)

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		rec := postHubSpot(f.ingress, body, sig)
		codes[rec.Code]++
	}
	assert.Positive(t, codes[http.StatusTooManyRequests], "burst exhausted requests must get 429")
}

func gmailBody(t *testing.T, messageID, emailAddress string, historyID any) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"emailAddress": emailAddress,
		"historyId":    historyID,
	})
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(data),
			"messageId": messageID,
		},
		"subscription": "projects/advisor/subscriptions/gmail-push",
	})
	require.NoError(t, err)
	return body
}

func postGmail(ing *Ingress, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gmail", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	ing.HandleGmail(rec, req)
	return rec
}

func TestHandleGmail(t *testing.T) {
	t.Parallel()

	t.Run("enqueues gmail_sync and matches rules", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.addRule(t, "when gmail.* then create_task type=generic")

		rec := postGmail(f.ingress, gmailBody(t, "msg-1", f.owner.Email, 424242))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, 1, decodeReceipt(t, rec).Processed)

		require.Len(t, f.tasks.tasks, 2, "one rule task plus the direct gmail_sync")
		types := []string{f.tasks.tasks[0].Type, f.tasks.tasks[1].Type}
		assert.Contains(t, types, "gmail_sync")
		assert.Contains(t, types, "generic")
	})

	t.Run("numeric and string historyId both accepted", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rec := postGmail(f.ingress, gmailBody(t, "msg-n", f.owner.Email, "98765"))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, f.tasks.tasks, 1)
		assert.Contains(t, string(f.tasks.tasks[0].Payload), "98765")
	})

	t.Run("replayed messageId deduped", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		body := gmailBody(t, "msg-2", f.owner.Email, 7)

		first := postGmail(f.ingress, body)
		require.Equal(t, http.StatusOK, first.Code)
		second := postGmail(f.ingress, body)
		require.Equal(t, http.StatusOK, second.Code)
		assert.Equal(t, 1, decodeReceipt(t, second).Deduped)
		assert.Len(t, f.tasks.tasks, 1, "replay must not enqueue another sync")
	})

	t.Run("unknown mailbox acknowledged", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rec := postGmail(f.ingress, gmailBody(t, "msg-3", "stranger@example.com", 1))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, f.tasks.tasks)
	})

	t.Run("invalid envelope rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rec := postGmail(f.ingress, []byte(`{"message":{}}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("data not base64 rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rec := postGmail(f.ingress, []byte(`{"message":{"data":"!!!","messageId":"m"}}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func postCalendar(ing *Ingress, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ing.HandleCalendar(rec, req)
	return rec
}

func TestHandleCalendar(t *testing.T) {
	t.Parallel()

	baseHeaders := func(state, msgNum string) map[string]string {
		return map[string]string{
			"X-Goog-Channel-ID":     "chan-1",
			"X-Goog-Resource-ID":    "res-1",
			"X-Goog-Resource-State": state,
			"X-Goog-Message-Number": msgNum,
		}
	}

	t.Run("sync handshake is a no-op", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rec := postCalendar(f.ingress, baseHeaders("sync", "1"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, f.tasks.tasks)
	})

	t.Run("change fans out to connected owners", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		second := &domain.User{ID: uuid.New(), Email: "other@example.com", GoogleConnected: true}
		f.users.calendar = append(f.users.calendar, second)

		rec := postCalendar(f.ingress, baseHeaders("exists", "2"))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, 2, decodeReceipt(t, rec).Processed)
		assert.Len(t, f.tasks.tasks, 2, "one calendar_sync per connected owner")
		owners := map[uuid.UUID]bool{}
		for _, task := range f.tasks.tasks {
			assert.Equal(t, "calendar_sync", task.Type)
			owners[task.OwnerID] = true
		}
		assert.Len(t, owners, 2)
	})

	t.Run("replayed message number deduped", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		headers := baseHeaders("exists", "3")

		first := postCalendar(f.ingress, headers)
		require.Equal(t, http.StatusOK, first.Code)
		second := postCalendar(f.ingress, headers)
		require.Equal(t, http.StatusOK, second.Code)
		assert.Equal(t, 1, decodeReceipt(t, second).Deduped)
		assert.Len(t, f.tasks.tasks, 1)
	})

	t.Run("missing headers rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rec := postCalendar(f.ingress, map[string]string{"X-Goog-Resource-State": "exists"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRateLimiter_PerKeyIsolation(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 1)
	assert.True(t, rl.Allow("hubspot:1.2.3.4"))
	assert.False(t, rl.Allow("hubspot:1.2.3.4"), "burst of 1 spent")
	assert.True(t, rl.Allow("hubspot:5.6.7.8"), "other keys unaffected")
}
