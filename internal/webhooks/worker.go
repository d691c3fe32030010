// Package webhooks forwards tour events to an external HTTP endpoint.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"tourplan/internal/config"
	"tourplan/internal/logging"
	"tourplan/internal/tour"
)

const (
	HeaderSignature = "X-Tourplan-Signature"
	HeaderEventType = "X-Tourplan-Event"
	HeaderEventID   = "X-Tourplan-Event-Id"
)

// Forwarder is a tour.Publisher that passes every event to next and queues
// it for delivery to the configured URL. A full queue drops the webhook
// copy; next always receives the event.
type Forwarder struct {
	next tour.Publisher
	log  *logging.Logger

	url         string
	secret      string
	http        *http.Client
	maxAttempts int
	backoff     time.Duration

	queue chan tour.Event
	wg    sync.WaitGroup
	stop  chan struct{}
	once  sync.Once
}

func NewForwarder(cfg config.WebhookConfig, next tour.Publisher, log *logging.Logger) *Forwarder {
	if log == nil {
		log = logging.Nop()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	return &Forwarder{
		next:        next,
		log:         log,
		url:         cfg.URL,
		secret:      cfg.Secret,
		http:        &http.Client{Timeout: cfg.Timeout},
		maxAttempts: attempts,
		backoff:     time.Second,
		queue:       make(chan tour.Event, size),
		stop:        make(chan struct{}),
	}
}

func (f *Forwarder) Publish(tourID string, evt tour.Event) {
	if f.next != nil {
		f.next.Publish(tourID, evt)
	}
	select {
	case f.queue <- evt:
	default:
		f.log.Warn(f.log.WithFields(context.Background(), map[string]any{"tour_id": tourID, "event": evt.Type}), "webhook queue full; event dropped")
	}
}

// Start runs the delivery loop until Stop is called.
func (f *Forwarder) Start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-f.stop:
				f.drain()
				return
			case evt := <-f.queue:
				f.deliver(evt)
			}
		}
	}()
}

// Stop delivers what is already queued, with one attempt each, then returns.
func (f *Forwarder) Stop() {
	f.once.Do(func() { close(f.stop) })
	f.wg.Wait()
}

func (f *Forwarder) drain() {
	for {
		select {
		case evt := <-f.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := f.post(ctx, evt); err != nil {
				f.log.Warn(f.log.WithFields(ctx, map[string]any{"event_id": evt.ID, "error": err.Error()}), "webhook dropped at shutdown")
			}
			cancel()
		default:
			return
		}
	}
}

func (f *Forwarder) deliver(evt tour.Event) {
	ctx := f.log.WithFields(context.Background(), map[string]any{"tour_id": evt.TourID, "event": evt.Type, "event_id": evt.ID})
	for attempt := 1; ; attempt++ {
		err := f.post(ctx, evt)
		if err == nil {
			return
		}
		if attempt >= f.maxAttempts {
			f.log.Error(ctx, "webhook delivery failed", err)
			return
		}
		f.log.Warn(f.log.WithFields(ctx, map[string]any{"attempt": attempt, "error": err.Error()}), "webhook delivery retry")
		select {
		case <-f.stop:
			return
		case <-time.After(nextBackoff(f.backoff, attempt-1)):
		}
	}
}

func (f *Forwarder) post(ctx context.Context, evt tour.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventType, evt.Type)
	req.Header.Set(HeaderEventID, evt.ID)
	if f.secret != "" {
		req.Header.Set(HeaderSignature, SignHMAC(f.secret, body))
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func nextBackoff(base time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	d := base * time.Duration(1<<attempts)
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
