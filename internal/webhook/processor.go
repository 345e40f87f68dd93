package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/testbridge-io/testbridge/internal/mapping"
	"github.com/testbridge-io/testbridge/internal/sink"
)

// Default allow-list of inbound event kinds.
var defaultAllowedKinds = []string{
	"jira:issue_created",
	"jira:issue_updated",
	"jira:issue_deleted",
}

// Result is the synchronous answer to the producer.
type Result struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
}

// MappingUpdater is the slice of the mapping service the processor needs.
type MappingUpdater interface {
	UpdateFromExternal(ctx context.Context, issueKey string, state mapping.ExternalState) (string, bool, error)
}

// Notifier publishes domain notifications. Satisfied by *sink.Registry.
type Notifier interface {
	Publish(ctx context.Context, name, key string, payload any)
}

// ProcessorConfig controls inbound verification and filtering.
type ProcessorConfig struct {
	// Secret is the shared HMAC secret. Empty disables verification.
	Secret string

	// SignatureRequired rejects deliveries that carry no signature header.
	// Without it, unsigned deliveries pass when no signature is present
	// but a present signature is still verified.
	SignatureRequired bool

	// AllowedKinds filters event kinds. Empty uses the Jira issue events.
	AllowedKinds []string
}

// Processor turns raw webhook deliveries into stored events and mapping
// updates.
type Processor struct {
	store    EventStore
	mappings MappingUpdater
	notifier Notifier
	config   ProcessorConfig
	allowed  map[string]struct{}
	logger   *slog.Logger
}

// NewProcessor creates a webhook processor.
func NewProcessor(store EventStore, mappings MappingUpdater, notifier Notifier, config ProcessorConfig, logger *slog.Logger) *Processor {
	kinds := config.AllowedKinds
	if len(kinds) == 0 {
		kinds = defaultAllowedKinds
	}

	allowed := make(map[string]struct{}, len(kinds))
	for _, kind := range kinds {
		allowed[kind] = struct{}{}
	}

	return &Processor{
		store:    store,
		mappings: mappings,
		notifier: notifier,
		config:   config,
		allowed:  allowed,
		logger:   logger,
	}
}

// inboundPayload is the subset of the tracker's webhook body we consume.
type inboundPayload struct {
	WebhookEvent string `json:"webhookEvent"`
	Timestamp    int64  `json:"timestamp"`
	User         struct {
		AccountID string `json:"accountId"`
	} `json:"user"`
	Issue struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	} `json:"issue"`
	Changelog json.RawMessage `json:"changelog"`
}

// changelogDiff is the structured field diff carried on update events.
type changelogDiff struct {
	Items []struct {
		Field    string `json:"field"`
		ToString string `json:"toString"`
	} `json:"items"`
}

// Process handles one inbound delivery.
//
// The returned Result is always safe to send to the producer. A non-nil
// error means the event could not be persisted at all (storage down) and the
// producer should retry the delivery.
func (p *Processor) Process(ctx context.Context, body []byte, header http.Header) (*Result, error) {
	if p.config.Secret != "" {
		signature, present := extractSignature(header)

		switch {
		case !present && p.config.SignatureRequired:
			return &Result{Accepted: false, Reason: ReasonMissingSignature}, nil
		case present && !verifySignature(p.config.Secret, body, signature):
			return &Result{Accepted: false, Reason: ReasonInvalidSignature}, nil
		}
	}

	var payload inboundPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.WebhookEvent == "" {
		return &Result{Accepted: false, Reason: ReasonBadPayload}, nil
	}

	if _, ok := p.allowed[payload.WebhookEvent]; !ok {
		return &Result{Accepted: true, Reason: ReasonIgnored}, nil
	}

	event := &Event{
		ID:              EventID(payload.WebhookEvent, payload.Issue.Key, payload.Timestamp),
		EventKind:       payload.WebhookEvent,
		SubjectID:       payload.Issue.ID,
		SubjectKey:      payload.Issue.Key,
		SourceTimestamp: payload.Timestamp,
		ActorID:         payload.User.AccountID,
		RawPayload:      body,
		Changelog:       payload.Changelog,
		ReceivedAt:      time.Now().UTC(),
	}

	stored, err := p.store.InsertOrIgnore(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("store event: %w", err)
	}
	if !stored {
		return &Result{Accepted: true, Reason: ReasonDuplicate}, nil
	}

	// Dispatch failures must not abort the producer response: the row is
	// stored, the sweeper will redeliver.
	if err := p.Dispatch(ctx, event); err != nil {
		p.logger.Error("event dispatch failed",
			slog.String("event_id", event.ID),
			slog.String("kind", event.EventKind),
			slog.String("error", err.Error()),
		)

		if markErr := p.store.MarkErrored(ctx, event.ID, err.Error()); markErr != nil {
			p.logger.Error("mark errored failed",
				slog.String("event_id", event.ID),
				slog.String("error", markErr.Error()),
			)
		}

		return &Result{Accepted: true, Reason: ReasonOK}, nil
	}

	if err := p.store.MarkProcessed(ctx, event.ID, time.Now().UTC()); err != nil {
		p.logger.Error("mark processed failed",
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()),
		)
	}

	return &Result{Accepted: true, Reason: ReasonOK}, nil
}

// Dispatch applies one stored event's domain effect. The mapping update (for
// update events) commits before any sink notification so observers never see
// a notification for state that is not yet readable.
func (p *Processor) Dispatch(ctx context.Context, event *Event) error {
	if strings.HasSuffix(event.EventKind, "issue_updated") {
		state := externalStateFromChangelog(event.Changelog)
		if state != (mapping.ExternalState{}) {
			resolution, updated, err := p.mappings.UpdateFromExternal(ctx, event.SubjectKey, state)
			if err != nil {
				return fmt.Errorf("apply update event: %w", err)
			}

			if updated {
				p.notifier.Publish(ctx, sink.EventMappingUpdated, event.SubjectKey, map[string]string{
					"issueKey":   event.SubjectKey,
					"resolution": resolution,
				})
			}
		}
	}

	p.notifier.Publish(ctx, sink.EventIssueEventReceived, event.ID, map[string]any{
		"eventKind":  event.EventKind,
		"subjectKey": event.SubjectKey,
		"actorId":    event.ActorID,
	})

	return nil
}

// externalStateFromChangelog collects tracked field changes from a changelog
// diff. Fields outside the tracked set are ignored; an empty or malformed
// changelog yields the zero state.
func externalStateFromChangelog(changelog []byte) mapping.ExternalState {
	var state mapping.ExternalState

	if len(changelog) == 0 {
		return state
	}

	var diff changelogDiff
	if err := json.Unmarshal(changelog, &diff); err != nil {
		return state
	}

	for _, item := range diff.Items {
		switch strings.ToLower(item.Field) {
		case "status":
			state.Status = item.ToString
		case "summary":
			state.Summary = item.ToString
		case "priority":
			state.Priority = item.ToString
		case "issuetype", "type":
			state.Type = item.ToString
		case "assignee":
			state.Assignee = item.ToString
		case "resolution":
			// A resolution change carries the same signal as a status
			// change for classification purposes.
			if state.Status == "" {
				state.Status = item.ToString
			}
		}
	}

	return state
}
