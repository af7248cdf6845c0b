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

	"threadline/internal/config"
	"threadline/internal/domain"
	"threadline/internal/ledger"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookCursor struct {
	createdAt string
	id        string
}

type webhookDispatcher struct {
	ledger   ledger.Ledger
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]webhookCursor
}

func startWebhookDispatcher(l ledger.Ledger) {
	if l.Config == nil || len(l.Config.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		ledger:   l,
		webhooks: l.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]webhookCursor),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	events, err := d.ledger.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor.createdAt, cursor.id)
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, webhookCursor{createdAt: evt.CreatedAt, id: evt.ID})
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, webhookCursor{createdAt: evt.CreatedAt, id: evt.ID})
	}
}

func (d *webhookDispatcher) cursorFor(idx int) webhookCursor {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	createdAt, id, err := d.ledger.Repo.LatestEventCursor(context.Background())
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
	}
	cur := webhookCursor{createdAt: createdAt, id: id}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, cur webhookCursor) {
	d.mu.Lock()
	d.cursors[idx] = cur
	d.mu.Unlock()
}

type webhookEvent struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	ThreadID       string          `json:"thread_id"`
	SequenceNumber int64           `json:"sequence_number"`
	Actor          string          `json:"actor"`
	CreatedAt      string          `json:"created_at"`
	Payload        json.RawMessage `json:"payload"`
	PayloadRaw     string          `json:"payload_raw,omitempty"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := webhookEvent{
		ID:             evt.ID,
		Type:           evt.Type,
		ThreadID:       evt.ThreadID,
		SequenceNumber: evt.SequenceNumber,
		Actor:          evt.Actor,
		CreatedAt:      evt.CreatedAt,
		Payload:        payload,
		PayloadRaw:     raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Threadline-Event", evt.Type)
	req.Header.Set("X-Threadline-Delivery", evt.ID)
	req.Header.Set("X-Threadline-Thread", evt.ThreadID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Threadline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
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

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
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
