package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"reflowline/internal/config"
	"reflowline/internal/domain"
	"reflowline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	defaultWebhookRetries  = 3
)

// webhookDispatcher polls the events table and posts new events to each
// configured hook. Cursors start at the latest event so a restart does not
// replay history.
type webhookDispatcher struct {
	engine   engine.Engine
	config   func() *config.Config
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[string]int64
}

// StartWebhooks runs the dispatcher until ctx is done. Hooks are re-read
// from the live config on every tick.
func StartWebhooks(ctx context.Context, e engine.Engine, cfg func() *config.Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &webhookDispatcher{
		engine:   e,
		config:   cfg,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
		interval: defaultWebhookInterval,
		cursors:  make(map[string]int64),
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
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
	cfg := d.config()
	if cfg == nil || strings.TrimSpace(cfg.Project.ID) == "" {
		return
	}
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, cfg.Project.ID, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, projectID string, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, projectID, hook.URL)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, projectID)
	if err != nil {
		d.logger.Warn("webhook: fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(hook.URL, evt.ID)
			continue
		}
		if err := d.deliver(ctx, projectID, hook, evt); err != nil {
			d.logger.Warn("webhook: delivery failed", "url", hook.URL, "event_id", evt.ID, "err", err)
			return
		}
		d.setCursor(hook.URL, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, projectID, url string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[url]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx, projectID)
	if err != nil {
		d.logger.Warn("webhook: init cursor failed", "err", err)
		cur = 0
	}
	d.cursors[url] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(url string, value int64) {
	d.mu.Lock()
	d.cursors[url] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// deliver posts one event, retrying transport errors and 5xx responses with
// exponential backoff. 4xx responses are not retried.
func (d *webhookDispatcher) deliver(ctx context.Context, projectID string, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  projectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	retries := defaultWebhookRetries
	if hook.MaxRetries > 0 {
		retries = hook.MaxRetries
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Reflowline-Event", evt.Type)
		req.Header.Set("X-Reflowline-Delivery", fmt.Sprintf("%d", evt.ID))
		req.Header.Set("X-Reflowline-Project", projectID)
		if secret := strings.TrimSpace(hook.Secret); secret != "" {
			req.Header.Set("X-Reflowline-Signature", "sha256="+signPayload(secret, data))
		}
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if res.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
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
