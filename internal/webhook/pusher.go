// Package webhook delivers freshly queued messages to recipient webhooks:
// HMAC-signed JSON POSTs with bounded retry, off the send path. Delivery
// is best-effort; an undelivered message stays queued for polling.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/model"
	"github.com/admp-protocol/admp-hub/pkg/envelope"
)

const (
	// EventMessageReceived is the only event type pushed today.
	EventMessageReceived = "message.received"

	userAgent    = "ADMP-Server/1.0"
	maxAttempts  = 3
	queueDepth   = 256
	requestLimit = 5 * time.Second
)

// retryDelays precede each attempt; total worst case stays under 3 s plus
// request timeouts.
var retryDelays = [maxAttempts]time.Duration{0, time.Second, 2 * time.Second}

// Payload is the webhook body. Signature is the hex HMAC-SHA-256 of the
// canonical JSON of this payload with Signature set to null, keyed by the
// recipient's webhook secret.
type Payload struct {
	Event       string             `json:"event"`
	MessageID   string             `json:"message_id"`
	Envelope    *envelope.Envelope `json:"envelope"`
	DeliveredAt string             `json:"delivered_at"`
	Signature   *string            `json:"signature"`
}

// Sign computes and attaches the payload signature.
func (p *Payload) Sign(secret string) error {
	p.Signature = nil
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	canonical, err := envelope.CanonicalJSON(raw)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	sig := hex.EncodeToString(mac.Sum(nil))
	p.Signature = &sig
	return nil
}

type task struct {
	rec    *model.MessageRecord
	url    string
	secret string
}

// DeliveryRecorder is an optional callback for delivery outcomes, used to
// feed metrics.
type DeliveryRecorder func(success bool)

// Pusher runs webhook deliveries on a fixed worker pool fed by a bounded
// queue. Enqueue never blocks: when the queue is full the delivery is
// dropped and the message is left to the polling fallback.
type Pusher struct {
	httpClient *http.Client
	logger     *zap.Logger
	onDeliver  DeliveryRecorder

	tasks chan task
	stop  chan struct{}
	done  chan struct{}
}

// NewPusher creates and starts a pusher with the given worker count.
func NewPusher(workers int, logger *zap.Logger) *Pusher {
	if workers <= 0 {
		workers = 4
	}
	p := &Pusher{
		httpClient: &http.Client{Timeout: requestLimit},
		logger:     logger,
		tasks:      make(chan task, queueDepth),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go p.run(workers)
	return p
}

// SetDeliveryRecorder configures the outcome callback.
func (p *Pusher) SetDeliveryRecorder(fn DeliveryRecorder) {
	p.onDeliver = fn
}

// Enqueue schedules a delivery without blocking the caller.
func (p *Pusher) Enqueue(rec *model.MessageRecord, webhookURL, secret string) {
	select {
	case p.tasks <- task{rec: rec, url: webhookURL, secret: secret}:
	default:
		p.logger.Warn("webhook queue full, falling back to polling",
			zap.String("message_id", rec.ID),
		)
		if p.onDeliver != nil {
			p.onDeliver(false)
		}
	}
}

// Shutdown stops accepting work and waits up to grace for in-flight
// deliveries to finish.
func (p *Pusher) Shutdown(grace time.Duration) {
	close(p.stop)
	select {
	case <-p.done:
	case <-time.After(grace):
		p.logger.Warn("webhook shutdown grace elapsed with deliveries in flight")
	}
}

func (p *Pusher) run(workers int) {
	defer close(p.done)
	sem := make(chan struct{}, workers)
	for {
		select {
		case <-p.stop:
			// Drain outstanding workers.
			for i := 0; i < workers; i++ {
				sem <- struct{}{}
			}
			return
		case t := <-p.tasks:
			sem <- struct{}{}
			go func(t task) {
				defer func() { <-sem }()
				p.deliver(t)
			}(t)
		}
	}
}

// deliver runs the retry loop for one message.
func (p *Pusher) deliver(t task) {
	payload := &Payload{
		Event:       EventMessageReceived,
		MessageID:   t.rec.ID,
		Envelope:    t.rec.Envelope,
		DeliveredAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := payload.Sign(t.secret); err != nil {
		p.logger.Error("webhook payload signing failed",
			zap.String("message_id", t.rec.ID),
			zap.Error(err),
		)
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("webhook payload encoding failed",
			zap.String("message_id", t.rec.ID),
			zap.Error(err),
		)
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if d := retryDelays[attempt-1]; d > 0 {
			select {
			case <-time.After(d):
			case <-p.stop:
				return
			}
		}

		status, err := p.post(t.url, body, t.rec.ID, attempt)
		if err == nil && status >= 200 && status < 300 {
			if p.onDeliver != nil {
				p.onDeliver(true)
			}
			p.logger.Debug("webhook delivered",
				zap.String("message_id", t.rec.ID),
				zap.Int("attempt", attempt),
			)
			return
		}
		p.logger.Warn("webhook delivery attempt failed",
			zap.String("message_id", t.rec.ID),
			zap.String("url", t.url),
			zap.Int("attempt", attempt),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	// Final failure: the record stays queued, polling will pick it up.
	if p.onDeliver != nil {
		p.onDeliver(false)
	}
}

func (p *Pusher) post(url string, body []byte, messageID string, attempt int) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestLimit)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-ADMP-Event", EventMessageReceived)
	req.Header.Set("X-ADMP-Message-ID", messageID)
	req.Header.Set("X-ADMP-Delivery-Attempt", strconv.Itoa(attempt))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()                     //nolint:errcheck
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck
	return resp.StatusCode, nil
}
