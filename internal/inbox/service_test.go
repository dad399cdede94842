package inbox_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/agent"
	"github.com/admp-protocol/admp-hub/internal/identity"
	"github.com/admp-protocol/admp-hub/internal/inbox"
	"github.com/admp-protocol/admp-hub/internal/model"
	"github.com/admp-protocol/admp-hub/internal/storage"
	"github.com/admp-protocol/admp-hub/pkg/envelope"
)

type capturedPush struct {
	rec    *model.MessageRecord
	url    string
	secret string
}

type fakePusher struct {
	mu     sync.Mutex
	pushes []capturedPush
}

func (p *fakePusher) Enqueue(rec *model.MessageRecord, url, secret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, capturedPush{rec: rec, url: url, secret: secret})
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushes)
}

type fixture struct {
	store  *storage.Memory
	agents *agent.Service
	inbox  *inbox.Service
	pusher *fakePusher
}

func newFixture(t *testing.T, opts inbox.Options) *fixture {
	t.Helper()
	store := storage.NewMemory()
	pusher := &fakePusher{}
	return &fixture{
		store:  store,
		agents: agent.NewService(store, agent.Options{}, zap.NewNop()),
		inbox:  inbox.NewService(store, pusher, opts, zap.NewNop()),
		pusher: pusher,
	}
}

func (f *fixture) register(t *testing.T, name string) *agent.RegisterResponse {
	t.Helper()
	resp, err := f.agents.Register(context.Background(), &agent.RegisterRequest{AgentID: name})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return resp
}

func env(from, to string) *envelope.Envelope {
	return &envelope.Envelope{
		Version:   envelope.Version,
		ID:        uuid.NewString(),
		Type:      "task.request",
		From:      from,
		To:        to,
		Subject:   "ping",
		Body:      json.RawMessage(`{"x":1}`),
		Timestamp: envelope.Now(),
	}
}

func TestSendPullAck(t *testing.T) {
	f := newFixture(t, inbox.Options{})
	ctx := context.Background()
	f.register(t, "alice")
	f.register(t, "bob")

	e := env("agent://alice", "agent://bob")
	res, err := f.inbox.Send(ctx, e, inbox.SendOptions{VerifySignature: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Status != model.MessageQueued {
		t.Fatalf("status: got %s, want queued", res.Status)
	}

	rec, err := f.inbox.Pull(ctx, "bob", 60*time.Second)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if rec == nil || rec.ID != e.ID {
		t.Fatalf("pull returned %+v, want %s", rec, e.ID)
	}
	if rec.Status != model.MessageLeased || rec.LeaseUntil == nil || rec.Attempts != 1 {
		t.Fatalf("bad leased record: %+v", rec)
	}
	if until := time.Until(*rec.LeaseUntil); until < 55*time.Second || until > 65*time.Second {
		t.Fatalf("lease_until not ~now+60s: %v", until)
	}

	acked, err := f.inbox.Ack(ctx, "bob", e.ID, json.RawMessage(`{"ok":true}`))
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if acked.Status != model.MessageAcked || acked.AckedAt == nil {
		t.Fatalf("bad acked record: %+v", acked)
	}

	// Drained inbox pulls empty.
	rec, err = f.inbox.Pull(ctx, "bob", 0)
	if err != nil || rec != nil {
		t.Fatalf("pull after ack: rec=%+v err=%v", rec, err)
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, inbox.Options{})
	ctx := context.Background()
	f.register(t, "alice")
	f.register(t, "bob")

	missing := env("agent://alice", "agent://bob")
	missing.Type = ""
	if _, err := f.inbox.Send(ctx, missing, inbox.SendOptions{VerifySignature: true}); !model.IsCode(err, model.CodeValidation) {
		t.Fatalf("missing type: got %v, want validation error", err)
	}

	stale := env("agent://alice", "agent://bob")
	stale.Timestamp = time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	if _, err := f.inbox.Send(ctx, stale, inbox.SendOptions{VerifySignature: true}); !model.IsCode(err, model.CodeInvalidTimestamp) {
		t.Fatalf("stale timestamp: got %v, want invalid_timestamp", err)
	}

	ghost := env("agent://alice", "agent://ghost")
	if _, err := f.inbox.Send(ctx, ghost, inbox.SendOptions{VerifySignature: true}); !model.IsCode(err, model.CodeRecipientNotFound) {
		t.Fatalf("unknown recipient: got %v, want recipient_not_found", err)
	}
}

func TestSendSignatureVerification(t *testing.T) {
	f := newFixture(t, inbox.Options{})
	ctx := context.Background()
	alice := f.register(t, "alice")
	f.register(t, "bob")

	priv, err := identity.ParsePrivateKey(alice.PrivateKey)
	if err != nil {
		t.Fatalf("parse private key: %v", err)
	}

	signed := env("agent://alice", "agent://bob")
	if err := signed.Sign(priv, "agent://alice"); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := f.inbox.Send(ctx, signed, inbox.SendOptions{VerifySignature: true}); err != nil {
		t.Fatalf("send signed: %v", err)
	}

	// A forged signature of the right length is rejected and nothing is stored.
	forged := env("agent://alice", "agent://bob")
	if err := forged.Sign(priv, "agent://alice"); err != nil {
		t.Fatal(err)
	}
	forged.Signature.Sig = base64.StdEncoding.EncodeToString(make([]byte, 64))
	if _, err := f.inbox.Send(ctx, forged, inbox.SendOptions{VerifySignature: true}); !model.IsCode(err, model.CodeInvalidSignature) {
		t.Fatalf("forged signature: got %v, want invalid_signature", err)
	}
	if _, err := f.inbox.GetStatus(ctx, forged.ID); !model.IsCode(err, model.CodeNotFound) {
		t.Fatal("rejected message was stored")
	}

	// With verification disabled the same envelope is accepted.
	forged.ID = uuid.NewString()
	if _, err := f.inbox.Send(ctx, forged, inbox.SendOptions{VerifySignature: false}); err != nil {
		t.Fatalf("send with verification off: %v", err)
	}
}

func TestSendDedupe(t *testing.T) {
	f := newFixture(t, inbox.Options{})
	ctx := context.Background()
	f.register(t, "alice")
	f.register(t, "bob")

	e := env("agent://alice", "agent://bob")
	if _, err := f.inbox.Send(ctx, e, inbox.SendOptions{VerifySignature: true}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	res, err := f.inbox.Send(ctx, e, inbox.SendOptions{VerifySignature: true})
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if res.ID != e.ID {
		t.Fatalf("dedupe returned id %s, want %s", res.ID, e.ID)
	}

	stats, err := f.inbox.InboxStats(ctx, "bob")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("stored records: got %d, want 1", stats.Total)
	}
}

func TestSendBlockedSender(t *testing.T) {
	f := newFixture(t, inbox.Options{})
	ctx := context.Background()
	f.register(t, "alice")
	f.register(t, "bob")

	if err := f.agents.BlockAgent(ctx, "bob", "alice"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if _, err := f.inbox.Send(ctx, env("agent://alice", "agent://bob"), inbox.SendOptions{VerifySignature: true}); !model.IsCode(err, model.CodePolicyDenied) {
		t.Fatalf("blocked sender: got %v, want policy_denied", err)
	}
}

func TestSendSchedulesWebhookPush(t *testing.T) {
	f := newFixture(t, inbox.Options{})
	ctx := context.Background()
	f.register(t, "alice")
	f.register(t, "hooked")

	secret, err := f.agents.ConfigureWebhook(ctx, "hooked", "https://example.com/hook", "")
	if err != nil {
		t.Fatalf("configure webhook: %v", err)
	}

	e := env("agent://alice", "agent://hooked")
	if _, err := f.inbox.Send(ctx, e, inbox.SendOptions{VerifySignature: true}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if f.pusher.count() != 1 {
		t.Fatalf("pushes: got %d, want 1", f.pusher.count())
	}
	push := f.pusher.pushes[0]
	if push.url != "https://example.com/hook" || push.secret != secret {
		t.Fatalf("push config mismatch: %+v", push)
	}

	// Dedupe does not double-push.
	if _, err := f.inbox.Send(ctx, e, inbox.SendOptions{VerifySignature: true}); err != nil {
		t.Fatal(err)
	}
	if f.pusher.count() != 1 {
		t.Fatalf("dedupe pushed again: %d", f.pusher.count())
	}
}

func TestNackRequeueRedelivers(t *testing.T) {
	f := newFixture(t, inbox.Options{})
	ctx := context.Background()
	f.register(t, "alice")
	f.register(t, "bob")

	e := env("agent://alice", "agent://bob")
	if _, err := f.inbox.Send(ctx, e, inbox.SendOptions{VerifySignature: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.inbox.Pull(ctx, "bob", 0); err != nil {
		t.Fatalf("pull: %v", err)
	}

	nacked, err := f.inbox.Nack(ctx, "bob", e.ID, inbox.NackRequest{Requeue: true})
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if nacked.Status != model.MessageQueued || nacked.LeaseUntil != nil {
		t.Fatalf("bad requeued record: %+v", nacked)
	}

	again, err := f.inbox.Pull(ctx, "bob", 0)
	if err != nil || again == nil {
		t.Fatalf("redelivery pull: rec=%+v err=%v", again, err)
	}
	if again.ID != e.ID || again.Attempts != 2 {
		t.Fatalf("redelivered record: %+v", again)
	}
}

func TestNackExtendWinsOverRequeue(t *testing.T) {
	f := newFixture(t, inbox.Options{})
	ctx := context.Background()
	f.register(t, "alice")
	f.register(t, "bob")

	e := env("agent://alice", "agent://bob")
	if _, err := f.inbox.Send(ctx, e, inbox.SendOptions{VerifySignature: true}); err != nil {
		t.Fatal(err)
	}
	rec, err := f.inbox.Pull(ctx, "bob", 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	before := *rec.LeaseUntil

	extended, err := f.inbox.Nack(ctx, "bob", e.ID, inbox.NackRequest{Requeue: true, ExtendSec: 30})
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if extended.Status != model.MessageLeased {
		t.Fatalf("extend_sec should keep the lease, got %s", extended.Status)
	}
	if !extended.LeaseUntil.After(before) {
		t.Fatalf("lease not extended: %v -> %v", before, extended.LeaseUntil)
	}
}

func TestNackPastMaxAttemptsFails(t *testing.T) {
	f := newFixture(t, inbox.Options{MaxAttempts: 2})
	ctx := context.Background()
	f.register(t, "alice")
	f.register(t, "bob")

	e := env("agent://alice", "agent://bob")
	if _, err := f.inbox.Send(ctx, e, inbox.SendOptions{VerifySignature: true}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := f.inbox.Pull(ctx, "bob", 0); err != nil {
			t.Fatalf("pull %d: %v", i, err)
		}
		rec, err := f.inbox.Nack(ctx, "bob", e.ID, inbox.NackRequest{Requeue: true})
		if err != nil {
			t.Fatalf("nack %d: %v", i, err)
		}
		if i == 0 && rec.Status != model.MessageQueued {
			t.Fatalf("first nack: got %s, want queued", rec.Status)
		}
		if i == 1 && rec.Status != model.MessageFailed {
			t.Fatalf("nack at attempt bound: got %s, want failed", rec.Status)
		}
	}

	if rec, _ := f.inbox.Pull(ctx, "bob", 0); rec != nil {
		t.Fatalf("failed message still pullable: %+v", rec)
	}
}

func TestAckOwnershipAndState(t *testing.T) {
	f := newFixture(t, inbox.Options{})
	ctx := context.Background()
	f.register(t, "alice")
	f.register(t, "bob")
	f.register(t, "mallory")

	e := env("agent://alice", "agent://bob")
	if _, err := f.inbox.Send(ctx, e, inbox.SendOptions{VerifySignature: true}); err != nil {
		t.Fatal(err)
	}

	// Not leased yet.
	if _, err := f.inbox.Ack(ctx, "bob", e.ID, nil); !model.IsCode(err, model.CodeInvalidState) {
		t.Fatalf("ack queued: got %v, want invalid_state", err)
	}
	if _, err := f.inbox.Pull(ctx, "bob", 0); err != nil {
		t.Fatal(err)
	}
	// Wrong owner.
	if _, err := f.inbox.Ack(ctx, "mallory", e.ID, nil); !model.IsCode(err, model.CodeNotOwner) {
		t.Fatalf("foreign ack: got %v, want not_owner", err)
	}
	// Unknown message.
	if _, err := f.inbox.Ack(ctx, "bob", "missing", nil); !model.IsCode(err, model.CodeNotFound) {
		t.Fatalf("unknown message: got %v, want not_found", err)
	}
}

func TestReply(t *testing.T) {
	f := newFixture(t, inbox.Options{})
	ctx := context.Background()
	f.register(t, "alice")
	f.register(t, "bob")

	orig := env("agent://alice", "agent://bob")
	if _, err := f.inbox.Send(ctx, orig, inbox.SendOptions{VerifySignature: true}); err != nil {
		t.Fatal(err)
	}

	reply := env("", "")
	reply.Subject = "pong"
	res, err := f.inbox.Reply(ctx, "bob", orig.ID, reply)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if res.Status != model.MessageQueued {
		t.Fatalf("reply status: %s", res.Status)
	}

	// The reply lands in alice's inbox, correlated to the original.
	rec, err := f.inbox.Pull(ctx, "alice", 0)
	if err != nil || rec == nil {
		t.Fatalf("pull reply: rec=%+v err=%v", rec, err)
	}
	if rec.Envelope.From != "agent://bob" || rec.Envelope.To != "agent://alice" {
		t.Fatalf("reply routing: %+v", rec.Envelope)
	}
	if rec.CorrelationID != orig.ID {
		t.Fatalf("correlation_id: got %s, want %s", rec.CorrelationID, orig.ID)
	}

	// Only the original recipient may reply.
	if _, err := f.inbox.Reply(ctx, "alice", orig.ID, env("", "")); !model.IsCode(err, model.CodeNotOwner) {
		t.Fatalf("foreign reply: got %v, want not_owner", err)
	}
}

func TestReclaimExpiredLeases(t *testing.T) {
	f := newFixture(t, inbox.Options{})
	ctx := context.Background()
	f.register(t, "alice")
	f.register(t, "bob")

	e := env("agent://alice", "agent://bob")
	if _, err := f.inbox.Send(ctx, e, inbox.SendOptions{VerifySignature: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.inbox.Pull(ctx, "bob", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	reclaimed, err := f.inbox.ReclaimExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed: got %d, want 1", reclaimed)
	}

	rec, err := f.inbox.Pull(ctx, "bob", 0)
	if err != nil || rec == nil {
		t.Fatalf("pull after reclaim: rec=%+v err=%v", rec, err)
	}
	if rec.ID != e.ID || rec.Attempts != 2 {
		t.Fatalf("reclaimed record: %+v", rec)
	}
}

func TestExpireOldMessages(t *testing.T) {
	f := newFixture(t, inbox.Options{})
	ctx := context.Background()
	f.register(t, "alice")
	f.register(t, "bob")

	e := env("agent://alice", "agent://bob")
	e.TTLSec = envelope.TTL(1)
	if _, err := f.inbox.Send(ctx, e, inbox.SendOptions{VerifySignature: true}); err != nil {
		t.Fatal(err)
	}

	// Not yet expired.
	n, err := f.inbox.ExpireOldMessages(ctx)
	if err != nil || n != 0 {
		t.Fatalf("early expiry sweep: n=%d err=%v", n, err)
	}

	time.Sleep(1100 * time.Millisecond)
	n, err = f.inbox.ExpireOldMessages(ctx)
	if err != nil {
		t.Fatalf("expiry sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired: got %d, want 1", n)
	}

	if rec, _ := f.inbox.Pull(ctx, "bob", 0); rec != nil {
		t.Fatalf("expired message still pullable: %+v", rec)
	}
	st, _ := f.inbox.GetStatus(ctx, e.ID)
	if st.Status != model.MessageExpired {
		t.Fatalf("status: got %s, want expired", st.Status)
	}
}

func TestPullExclusivityUnderConcurrency(t *testing.T) {
	f := newFixture(t, inbox.Options{})
	ctx := context.Background()
	f.register(t, "alice")
	f.register(t, "bob")

	const n = 25
	for i := 0; i < n; i++ {
		e := env("agent://alice", "agent://bob")
		e.ID = fmt.Sprintf("conc-%02d", i)
		if _, err := f.inbox.Send(ctx, e, inbox.SendOptions{VerifySignature: true}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rec, err := f.inbox.Pull(ctx, "bob", time.Minute)
				if err != nil {
					t.Errorf("pull: %v", err)
					return
				}
				if rec == nil {
					return
				}
				mu.Lock()
				seen[rec.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("distinct records pulled: got %d, want %d", len(seen), n)
	}
	for id, c := range seen {
		if c != 1 {
			t.Fatalf("record %s pulled %d times", id, c)
		}
	}
}
