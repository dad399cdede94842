package webhook_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/model"
	"github.com/admp-protocol/admp-hub/internal/webhook"
	"github.com/admp-protocol/admp-hub/pkg/envelope"
)

type capturedDelivery struct {
	headers http.Header
	body    []byte
}

// receiver records webhook posts and answers with a scripted status per
// attempt, defaulting to 200 once the script runs out.
type receiver struct {
	mu       sync.Mutex
	statuses []int
	hits     []capturedDelivery
	notify   chan struct{}
}

func newReceiver(statuses ...int) *receiver {
	return &receiver{statuses: statuses, notify: make(chan struct{}, 16)}
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.hits = append(r.hits, capturedDelivery{headers: req.Header.Clone(), body: body})
	status := http.StatusOK
	if n := len(r.hits); n <= len(r.statuses) {
		status = r.statuses[n-1]
	}
	r.mu.Unlock()
	w.WriteHeader(status)
	r.notify <- struct{}{}
}

func (r *receiver) waitFor(t *testing.T, n int) []capturedDelivery {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		r.mu.Lock()
		if len(r.hits) >= n {
			out := append([]capturedDelivery(nil), r.hits...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d deliveries", n)
		}
	}
}

func record(id string) *model.MessageRecord {
	return &model.MessageRecord{
		ID: id,
		Envelope: &envelope.Envelope{
			Version:   envelope.Version,
			ID:        id,
			From:      "agent://alice",
			To:        "agent://bob",
			Type:      "direct",
			Timestamp: envelope.Now(),
			Subject:   "hello",
			Body:      json.RawMessage(`{"op":"ping"}`),
		},
	}
}

func verifySignature(t *testing.T, body []byte, secret string) {
	t.Helper()
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var sig string
	if err := json.Unmarshal(payload["signature"], &sig); err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	payload["signature"] = json.RawMessage("null")
	unsigned, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("re-encode payload: %v", err)
	}
	canonical, err := envelope.CanonicalJSON(unsigned)
	if err != nil {
		t.Fatalf("canonicalize payload: %v", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	want := hex.EncodeToString(mac.Sum(nil))
	if sig != want {
		t.Fatalf("signature mismatch: got %s want %s", sig, want)
	}
}

func TestDeliverSignedPayload(t *testing.T) {
	rcv := newReceiver()
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	pusher := webhook.NewPusher(2, zap.NewNop())
	defer pusher.Shutdown(2 * time.Second)

	pusher.Enqueue(record("msg-1"), srv.URL, "topsecret")

	hits := rcv.waitFor(t, 1)
	got := hits[0]

	if ct := got.headers.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if ua := got.headers.Get("User-Agent"); ua != "ADMP-Server/1.0" {
		t.Fatalf("User-Agent = %q", ua)
	}
	if ev := got.headers.Get("X-ADMP-Event"); ev != webhook.EventMessageReceived {
		t.Fatalf("X-ADMP-Event = %q", ev)
	}
	if id := got.headers.Get("X-ADMP-Message-ID"); id != "msg-1" {
		t.Fatalf("X-ADMP-Message-ID = %q", id)
	}
	if at := got.headers.Get("X-ADMP-Delivery-Attempt"); at != "1" {
		t.Fatalf("X-ADMP-Delivery-Attempt = %q", at)
	}

	var payload webhook.Payload
	if err := json.Unmarshal(got.body, &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload.Event != webhook.EventMessageReceived {
		t.Fatalf("event = %q", payload.Event)
	}
	if payload.MessageID != "msg-1" {
		t.Fatalf("message_id = %q", payload.MessageID)
	}
	if payload.Envelope == nil || !strings.Contains(string(payload.Envelope.Body), "ping") {
		t.Fatalf("envelope not carried through: %+v", payload.Envelope)
	}
	if payload.DeliveredAt == "" {
		t.Fatal("delivered_at missing")
	}
	verifySignature(t, got.body, "topsecret")
}

func TestRetryUntilSuccess(t *testing.T) {
	rcv := newReceiver(http.StatusInternalServerError, http.StatusBadGateway, http.StatusOK)
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	var mu sync.Mutex
	outcomes := []bool{}
	pusher := webhook.NewPusher(1, zap.NewNop())
	pusher.SetDeliveryRecorder(func(ok bool) {
		mu.Lock()
		outcomes = append(outcomes, ok)
		mu.Unlock()
	})
	defer pusher.Shutdown(5 * time.Second)

	pusher.Enqueue(record("msg-retry"), srv.URL, "s")

	hits := rcv.waitFor(t, 3)
	for i, h := range hits {
		if got := h.headers.Get("X-ADMP-Delivery-Attempt"); got != strconv.Itoa(i+1) {
			t.Fatalf("attempt header on hit %d = %q", i, got)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(outcomes)
		ok := n > 0 && outcomes[0]
		mu.Unlock()
		if n > 0 {
			if !ok {
				t.Fatal("expected delivery recorded as success")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("delivery outcome never recorded")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	rcv := newReceiver(
		http.StatusInternalServerError,
		http.StatusInternalServerError,
		http.StatusInternalServerError,
	)
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	done := make(chan bool, 1)
	pusher := webhook.NewPusher(1, zap.NewNop())
	pusher.SetDeliveryRecorder(func(ok bool) { done <- ok })
	defer pusher.Shutdown(5 * time.Second)

	pusher.Enqueue(record("msg-fail"), srv.URL, "s")

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected delivery recorded as failure")
		}
	case <-time.After(15 * time.Second):
		t.Fatal("delivery outcome never recorded")
	}
	if hits := rcv.waitFor(t, 3); len(hits) > 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", len(hits))
	}
}
