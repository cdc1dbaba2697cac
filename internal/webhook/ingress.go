package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Amilcarpio/financial-advisor-ai-app/internal/api/shared"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/config"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/dispatch"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/domain"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/handlers"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/platform/metrics"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/rules"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/store"
)

// maxBodyBytes caps inbound delivery bodies. Providers send small
// payloads; anything larger is abuse.
const maxBodyBytes = 1 << 20

// Calendar notification states from the X-Goog-Resource-State header.
const (
	calendarStateSync      = "sync"
	calendarStateExists    = "exists"
	calendarStateNotExists = "not_exists"
)

// UserStore resolves inbound deliveries to owners.
type UserStore interface {
	GetByHubSpotPortalID(ctx context.Context, portalID string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	ListCalendarConnected(ctx context.Context) ([]*domain.User, error)
}

// DedupStore records delivery identities. MarkSeen returns true when
// the delivery is first-seen (or its previous record expired) and must
// be processed, false when it is a replay to absorb. Forget drops a
// record so a failed delivery stays retryable.
type DedupStore interface {
	MarkSeen(ctx context.Context, source domain.EventSource, externalID string) (bool, error)
	Forget(ctx context.Context, source domain.EventSource, externalID string) error
}

// Matcher evaluates an event against the owner's rules.
type Matcher interface {
	Match(ctx context.Context, event *domain.Event) ([]rules.Match, error)
}

// Dispatcher executes matched actions and enqueues direct tasks.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *domain.Event, match rules.Match) (*domain.Task, error)
	Enqueue(ctx context.Context, ownerID uuid.UUID, taskType string, payload any, priority int) (*domain.Task, error)
}

// Ingress terminates provider webhooks: verify, rate-limit, dedup,
// normalize to events, then match rules and dispatch.
type Ingress struct {
	users      UserStore
	dedup      DedupStore
	matcher    Matcher
	dispatcher Dispatcher
	limiter    *RateLimiter
	cfg        config.WebhookConfig
	logger     *slog.Logger
}

// NewIngress wires the webhook ingress.
func NewIngress(
	users UserStore,
	dedup DedupStore,
	matcher Matcher,
	dispatcher Dispatcher,
	cfg config.WebhookConfig,
	logger *slog.Logger,
) *Ingress {
	return &Ingress{
		users:      users,
		dedup:      dedup,
		matcher:    matcher,
		dispatcher: dispatcher,
		limiter:    NewRateLimiter(cfg.RatePerSecond, cfg.RateBurst),
		cfg:        cfg,
		logger:     logger.With("component", "webhook_ingress"),
	}
}

// receiptResponse is the 200 body for accepted deliveries.
type receiptResponse struct {
	Status    string `json:"status"`
	Processed int    `json:"processed"`
	Deduped   int    `json:"deduped"`
}

// admit runs the checks every source shares: rate limit and body read.
func (in *Ingress) admit(w http.ResponseWriter, r *http.Request, source domain.EventSource) ([]byte, bool) {
	metrics.WebhooksReceivedTotal.WithLabelValues(string(source)).Inc()

	key := string(source) + ":" + clientIP(r)
	if !in.limiter.Allow(key) {
		metrics.WebhooksRejectedTotal.WithLabelValues(string(source), "rate_limited").Inc()
		shared.RespondWithError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
		return nil, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		metrics.WebhooksRejectedTotal.WithLabelValues(string(source), "invalid_payload").Inc()
		shared.RespondWithError(w, r, http.StatusBadRequest, "unable to read request body")
		return nil, false
	}
	return body, true
}

// release drops the dedup record for a delivery that was marked seen
// but could not be processed, so the provider's next retry is handled
// instead of absorbed as a duplicate. Detached from the request
// context: the record must go even when the caller hung up.
func (in *Ingress) release(ctx context.Context, source domain.EventSource, externalID string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := in.dedup.Forget(releaseCtx, source, externalID); err != nil {
		in.logger.Error("failed to release delivery record",
			"source", source,
			"external_id", externalID,
			"error", err)
	}
}

// hubspotEvent is one element of a HubSpot v3 delivery batch.
type hubspotEvent struct {
	EventID          int64  `json:"eventId"`
	SubscriptionType string `json:"subscriptionType"`
	PortalID         int64  `json:"portalId"`
	ObjectID         int64  `json:"objectId"`
	PropertyName     string `json:"propertyName"`
	PropertyValue    string `json:"propertyValue"`
	OccurredAt       int64  `json:"occurredAt"`
}

// HandleHubSpot terminates POST /webhooks/hubspot. The body is a JSON
// array of v3 event objects signed as a whole; each element becomes one
// event for the portal's owner.
func (in *Ingress) HandleHubSpot(w http.ResponseWriter, r *http.Request) {
	body, ok := in.admit(w, r, domain.EventSourceHubSpot)
	if !ok {
		return
	}

	if err := VerifySignature(in.cfg.HubSpotSecret, body, r.Header.Get(SignatureHeader)); err != nil {
		metrics.WebhooksRejectedTotal.WithLabelValues(string(domain.EventSourceHubSpot), "auth").Inc()
		shared.RespondWithError(w, r, http.StatusUnauthorized, "invalid signature")
		return
	}

	var batch []hubspotEvent
	if err := json.Unmarshal(body, &batch); err != nil || len(batch) == 0 {
		metrics.WebhooksRejectedTotal.WithLabelValues(string(domain.EventSourceHubSpot), "invalid_payload").Inc()
		shared.RespondWithError(w, r, http.StatusBadRequest, "body must be a non-empty event array")
		return
	}

	ctx := r.Context()
	receipt := receiptResponse{Status: "ok"}
	for _, he := range batch {
		if he.EventID == 0 || he.SubscriptionType == "" {
			metrics.WebhooksRejectedTotal.WithLabelValues(string(domain.EventSourceHubSpot), "invalid_payload").Inc()
			shared.RespondWithError(w, r, http.StatusBadRequest, "event missing eventId or subscriptionType")
			return
		}

		externalID := strconv.FormatInt(he.EventID, 10)
		fresh, err := in.dedup.MarkSeen(ctx, domain.EventSourceHubSpot, externalID)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusInternalServerError, "delivery could not be recorded")
			return
		}
		if !fresh {
			metrics.WebhooksDedupedTotal.WithLabelValues(string(domain.EventSourceHubSpot)).Inc()
			receipt.Deduped++
			continue
		}

		owner, err := in.users.GetByHubSpotPortalID(ctx, strconv.FormatInt(he.PortalID, 10))
		if err != nil {
			if store.IsNotFoundError(err) {
				// Unknown portal: acknowledged so the provider stops
				// retrying a delivery we can never attribute.
				in.logger.Warn("delivery for unknown portal",
					"portal_id", he.PortalID,
					"event_id", he.EventID)
				continue
			}
			in.release(ctx, domain.EventSourceHubSpot, externalID)
			shared.RespondWithError(w, r, http.StatusInternalServerError, "owner lookup failed")
			return
		}

		event, err := domain.NewEvent(domain.EventSourceHubSpot, he.SubscriptionType, owner.ID, externalID, map[string]any{
			"eventId":       he.EventID,
			"portalId":      he.PortalID,
			"objectId":      he.ObjectID,
			"propertyName":  he.PropertyName,
			"propertyValue": he.PropertyValue,
			"occurredAt":    he.OccurredAt,
		})
		if err != nil {
			in.release(ctx, domain.EventSourceHubSpot, externalID)
			shared.RespondWithError(w, r, http.StatusBadRequest, "event failed validation")
			return
		}

		if err := in.process(ctx, event); err != nil {
			in.release(ctx, domain.EventSourceHubSpot, externalID)
			shared.RespondWithError(w, r, http.StatusInternalServerError, "event processing failed")
			return
		}
		receipt.Processed++
	}

	shared.RespondWithJSON(w, r, http.StatusOK, receipt)
}

// pubSubEnvelope is the Pub/Sub push wrapper Gmail notifications arrive
// in.
type pubSubEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailNotification is the decoded message.data payload.
type gmailNotification struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// HandleGmail terminates POST /webhooks/gmail. Pub/Sub push carries no
// shared-secret signature; replay safety rests on messageId dedup. A
// fresh notification produces a gmail.message.received event and a
// direct gmail_sync task for the mailbox owner.
func (in *Ingress) HandleGmail(w http.ResponseWriter, r *http.Request) {
	body, ok := in.admit(w, r, domain.EventSourceGmail)
	if !ok {
		return
	}

	var envelope pubSubEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Message.MessageID == "" {
		metrics.WebhooksRejectedTotal.WithLabelValues(string(domain.EventSourceGmail), "invalid_payload").Inc()
		shared.RespondWithError(w, r, http.StatusBadRequest, "invalid pub/sub envelope")
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		decoded, err = base64.URLEncoding.DecodeString(envelope.Message.Data)
	}
	var notification gmailNotification
	if err == nil {
		err = json.Unmarshal(decoded, &notification)
	}
	if err != nil || notification.EmailAddress == "" {
		metrics.WebhooksRejectedTotal.WithLabelValues(string(domain.EventSourceGmail), "invalid_payload").Inc()
		shared.RespondWithError(w, r, http.StatusBadRequest, "invalid gmail notification data")
		return
	}

	ctx := r.Context()
	receipt := receiptResponse{Status: "ok"}

	fresh, err := in.dedup.MarkSeen(ctx, domain.EventSourceGmail, envelope.Message.MessageID)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusInternalServerError, "delivery could not be recorded")
		return
	}
	if !fresh {
		metrics.WebhooksDedupedTotal.WithLabelValues(string(domain.EventSourceGmail)).Inc()
		receipt.Deduped++
		shared.RespondWithJSON(w, r, http.StatusOK, receipt)
		return
	}

	owner, err := in.users.GetByEmail(ctx, notification.EmailAddress)
	if err != nil {
		if store.IsNotFoundError(err) {
			in.logger.Warn("gmail notification for unknown mailbox",
				"email", notification.EmailAddress)
			shared.RespondWithJSON(w, r, http.StatusOK, receipt)
			return
		}
		in.release(ctx, domain.EventSourceGmail, envelope.Message.MessageID)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "owner lookup failed")
		return
	}

	historyID := historyIDString(notification.HistoryID)
	event, err := domain.NewEvent(domain.EventSourceGmail, "gmail.message.received", owner.ID, envelope.Message.MessageID, map[string]any{
		"emailAddress": notification.EmailAddress,
		"historyId":    historyID,
		"subscription": envelope.Subscription,
	})
	if err != nil {
		in.release(ctx, domain.EventSourceGmail, envelope.Message.MessageID)
		shared.RespondWithError(w, r, http.StatusBadRequest, "event failed validation")
		return
	}

	if err := in.process(ctx, event); err != nil {
		in.release(ctx, domain.EventSourceGmail, envelope.Message.MessageID)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "event processing failed")
		return
	}

	if _, err := in.dispatcher.Enqueue(ctx, owner.ID, handlers.TypeGmailSync, handlers.GmailSyncPayload{
		EmailAddress: notification.EmailAddress,
		HistoryID:    historyID,
	}, domain.TaskPriorityMedium); err != nil {
		in.release(ctx, domain.EventSourceGmail, envelope.Message.MessageID)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "mailbox sync could not be scheduled")
		return
	}

	receipt.Processed++
	shared.RespondWithJSON(w, r, http.StatusOK, receipt)
}

// HandleCalendar terminates POST /webhooks/calendar. Google sends no
// body worth parsing: everything rides on channel headers. The `sync`
// handshake is acknowledged without side effects; change notifications
// fan out to every owner with Google connected, since channels are not
// stored here.
func (in *Ingress) HandleCalendar(w http.ResponseWriter, r *http.Request) {
	if _, ok := in.admit(w, r, domain.EventSourceCalendar); !ok {
		return
	}

	channelID := r.Header.Get("X-Goog-Channel-ID")
	state := r.Header.Get("X-Goog-Resource-State")
	messageNumber := r.Header.Get("X-Goog-Message-Number")
	resourceID := r.Header.Get("X-Goog-Resource-ID")

	if channelID == "" || state == "" {
		metrics.WebhooksRejectedTotal.WithLabelValues(string(domain.EventSourceCalendar), "invalid_payload").Inc()
		shared.RespondWithError(w, r, http.StatusBadRequest, "missing channel headers")
		return
	}

	ctx := r.Context()
	receipt := receiptResponse{Status: "ok"}

	if state == calendarStateSync {
		// Channel registration handshake.
		shared.RespondWithJSON(w, r, http.StatusOK, receipt)
		return
	}

	externalID := channelID + "/" + messageNumber
	fresh, err := in.dedup.MarkSeen(ctx, domain.EventSourceCalendar, externalID)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusInternalServerError, "delivery could not be recorded")
		return
	}
	if !fresh {
		metrics.WebhooksDedupedTotal.WithLabelValues(string(domain.EventSourceCalendar)).Inc()
		receipt.Deduped++
		shared.RespondWithJSON(w, r, http.StatusOK, receipt)
		return
	}

	eventType := "calendar.event.updated"
	if state == calendarStateNotExists {
		eventType = "calendar.event.deleted"
	}

	owners, err := in.users.ListCalendarConnected(ctx)
	if err != nil {
		in.release(ctx, domain.EventSourceCalendar, externalID)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "owner lookup failed")
		return
	}

	for i, owner := range owners {
		// One dedup record covers the delivery; each owner still needs
		// a distinct event identity.
		event, err := domain.NewEvent(domain.EventSourceCalendar, eventType, owner.ID, fmt.Sprintf("%s#%d", externalID, i), map[string]any{
			"channelId":     channelID,
			"resourceId":    resourceID,
			"resourceState": state,
			"messageNumber": messageNumber,
		})
		if err != nil {
			in.release(ctx, domain.EventSourceCalendar, externalID)
			shared.RespondWithError(w, r, http.StatusInternalServerError, "event failed validation")
			return
		}

		// A mid-fan-out failure releases the whole delivery, so the
		// retry may repeat sync tasks for owners already handled.
		if err := in.process(ctx, event); err != nil {
			in.release(ctx, domain.EventSourceCalendar, externalID)
			shared.RespondWithError(w, r, http.StatusInternalServerError, "event processing failed")
			return
		}

		if _, err := in.dispatcher.Enqueue(ctx, owner.ID, handlers.TypeCalendarSync, handlers.CalendarSyncPayload{
			ResourceID:    resourceID,
			ResourceState: state,
		}, domain.TaskPriorityMedium); err != nil {
			in.release(ctx, domain.EventSourceCalendar, externalID)
			shared.RespondWithError(w, r, http.StatusInternalServerError, "calendar sync could not be scheduled")
			return
		}
		receipt.Processed++
	}

	shared.RespondWithJSON(w, r, http.StatusOK, receipt)
}

// process runs one normalized event through the matcher and dispatches
// every triggered action.
func (in *Ingress) process(ctx context.Context, event *domain.Event) error {
	matches, err := in.matcher.Match(ctx, event)
	if err != nil {
		return fmt.Errorf("matching rules for event %s: %w", event.ID, err)
	}

	for _, match := range matches {
		if _, err := in.dispatcher.Dispatch(ctx, event, match); err != nil {
			// Unknown actions mean the stored rule went stale; skip it
			// rather than bouncing the whole delivery.
			if errors.Is(err, dispatch.ErrUnknownAction) || errors.Is(err, dispatch.ErrUnknownTaskType) {
				in.logger.Warn("skipping stale rule action",
					"rule_id", match.RuleID,
					"action", match.Action.Name,
					"error", err)
				continue
			}
			return fmt.Errorf("dispatching rule %s: %w", match.RuleID, err)
		}
	}
	return nil
}

// clientIP returns the remote identity for rate-limit keying. The
// router's RealIP middleware has already folded forwarding headers
// into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// historyIDString normalizes historyId, which Google sends either as a
// JSON number or a string depending on the API surface.
func historyIDString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}
