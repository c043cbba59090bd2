package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"sparlo/internal/domain"
	"sparlo/internal/engine"
	"sparlo/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher polls the event log and posts matching events to
// registered webhooks. Cursors are persisted, so deliveries survive restarts
// without replaying the whole log.
type webhookDispatcher struct {
	engine engine.Engine
	client *http.Client
	mu     sync.Mutex
	cursor map[string]int64
}

// StartWebhookDispatcher launches the background delivery loop. It stops when
// ctx is cancelled.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine) {
	d := &webhookDispatcher{
		engine: e,
		client: &http.Client{Timeout: defaultWebhookTimeout},
		cursor: make(map[string]int64),
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	hooks, err := d.engine.Repo.ListWebhooks(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("webhook: list failed: %v", err)
		}
		return
	}
	for _, hook := range hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, hook repo.Webhook) {
	cursor, err := d.cursorFor(ctx, hook.ID)
	if err != nil {
		log.Printf("webhook: load cursor failed: %v", err)
		return
	}
	evts, err := d.engine.Events.After(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	if len(evts) == 0 {
		return
	}
	filter := newEventFilter(hook.EventTypes)
	for _, evt := range evts {
		if evt.AccountID != hook.AccountID || !filter.match(evt.Type) {
			d.setCursor(ctx, hook.ID, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(ctx, hook.ID, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, hookID string) (int64, error) {
	d.mu.Lock()
	if cur, ok := d.cursor[hookID]; ok {
		d.mu.Unlock()
		return cur, nil
	}
	d.mu.Unlock()
	cur, err := d.engine.Repo.WebhookCursor(ctx, hookID)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.cursor[hookID] = cur
	d.mu.Unlock()
	return cur, nil
}

func (d *webhookDispatcher) setCursor(ctx context.Context, hookID string, value int64) {
	d.mu.Lock()
	d.cursor[hookID] = value
	d.mu.Unlock()
	if err := d.engine.Repo.SetWebhookCursor(ctx, hookID, value); err != nil {
		log.Printf("webhook: persist cursor failed: %v", err)
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	AccountID  string          `json:"account_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook repo.Webhook, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		AccountID:  evt.AccountID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		TS:         evt.TS,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sparlo-Event", evt.Type)
	req.Header.Set("X-Sparlo-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Sparlo-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

// newEventFilter parses the webhook's comma-separated type list; empty means
// deliver everything.
func newEventFilter(csv string) eventFilter {
	set := make(map[string]struct{})
	for _, evt := range strings.Split(csv, ",") {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
