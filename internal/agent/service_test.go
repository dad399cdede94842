package agent_test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/agent"
	"github.com/admp-protocol/admp-hub/internal/model"
	"github.com/admp-protocol/admp-hub/internal/storage"
)

func newService(t *testing.T) (*agent.Service, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	svc := agent.NewService(store, agent.Options{}, zap.NewNop())
	return svc, store
}

func randomSeed(t *testing.T) string {
	t.Helper()
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func TestRegisterLegacy(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	resp, err := svc.Register(ctx, &agent.RegisterRequest{AgentID: "alice", Type: "worker"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	a := resp.Agent
	if a.ID != "agent://alice" {
		t.Fatalf("id not normalized: %q", a.ID)
	}
	if resp.PrivateKey == "" {
		t.Fatal("legacy mode must return the private key once")
	}
	if a.PublicKey == "" || a.DID == "" || a.KeyVersion != 1 || len(a.Keys) != 1 || !a.Keys[0].Active {
		t.Fatalf("bad key state: %+v", a)
	}
	if a.RegistrationStatus != model.RegistrationApproved {
		t.Fatalf("open policy should approve: %s", a.RegistrationStatus)
	}

	// Same id again collides.
	_, err = svc.Register(ctx, &agent.RegisterRequest{AgentID: "alice"})
	if !model.IsCode(err, model.CodeAgentExists) {
		t.Fatalf("duplicate register: got %v, want agent_exists", err)
	}
}

func TestRegisterSeedDeterministic(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	seed := randomSeed(t)

	first, err := svc.Register(ctx, &agent.RegisterRequest{
		Mode: model.ModeSeed, AgentID: "det", Seed: seed, TenantID: "acme",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if first.Agent.DerivationContext == "" {
		t.Fatal("seed mode must record the derivation context")
	}

	if err := svc.Deregister(ctx, "det"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	second, err := svc.Register(ctx, &agent.RegisterRequest{
		Mode: model.ModeSeed, AgentID: "det", Seed: seed, TenantID: "acme",
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if first.Agent.PublicKey != second.Agent.PublicKey {
		t.Fatal("same (seed, tenant, agent, version) produced different keys")
	}
}

func TestRegisterSeedRequiresTenant(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Register(context.Background(), &agent.RegisterRequest{
		Mode: model.ModeSeed, AgentID: "x", Seed: randomSeed(t),
	})
	if !model.IsCode(err, model.CodeMissingTenant) {
		t.Fatalf("got %v, want missing_tenant", err)
	}
}

func TestRegisterImport(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	// Borrow a real public key from a legacy registration.
	donor, err := svc.Register(ctx, &agent.RegisterRequest{AgentID: "donor"})
	if err != nil {
		t.Fatalf("donor register: %v", err)
	}

	resp, err := svc.Register(ctx, &agent.RegisterRequest{
		Mode: model.ModeImport, AgentID: "imp", PublicKey: donor.Agent.PublicKey,
	})
	if err != nil {
		t.Fatalf("import register: %v", err)
	}
	if resp.PrivateKey != "" {
		t.Fatal("import mode must not return a private key")
	}
	if resp.Agent.PublicKey != donor.Agent.PublicKey {
		t.Fatal("imported key not stored")
	}

	_, err = svc.Register(ctx, &agent.RegisterRequest{Mode: model.ModeImport, AgentID: "bad", PublicKey: "not-base64!"})
	if !model.IsCode(err, model.CodeValidation) {
		t.Fatalf("bad public key: got %v, want validation error", err)
	}
}

func TestTenantPolicyGatesAdmission(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	err := store.PutTenant(ctx, &model.Tenant{ID: "strict", RegistrationPolicy: model.PolicyApprovalRequired})
	if err != nil {
		t.Fatalf("put tenant: %v", err)
	}

	resp, err := svc.Register(ctx, &agent.RegisterRequest{
		Mode: model.ModeSeed, AgentID: "gated", Seed: randomSeed(t), TenantID: "strict",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if resp.Agent.RegistrationStatus != model.RegistrationPending {
		t.Fatalf("approval_required tenant should yield pending, got %s", resp.Agent.RegistrationStatus)
	}

	approved, err := svc.Approve(ctx, "gated")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.RegistrationStatus != model.RegistrationApproved {
		t.Fatalf("approve did not apply: %s", approved.RegistrationStatus)
	}
	// Idempotent.
	if _, err := svc.Approve(ctx, "gated"); err != nil {
		t.Fatalf("second approve: %v", err)
	}

	rejected, err := svc.Reject(ctx, "gated", "spam")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.RegistrationStatus != model.RegistrationRejected {
		t.Fatalf("reject did not apply: %s", rejected.RegistrationStatus)
	}
}

func TestHeartbeatAndOfflineSweep(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, &agent.RegisterRequest{AgentID: "hb"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	a, err := svc.Heartbeat(ctx, "hb", map[string]any{"load": 0.5})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if a.Heartbeat.Status != model.HeartbeatOnline || a.Heartbeat.LastHeartbeat == nil {
		t.Fatalf("heartbeat not applied: %+v", a.Heartbeat)
	}
	if a.Metadata["load"] != 0.5 {
		t.Fatalf("metadata not merged: %+v", a.Metadata)
	}

	if _, err := svc.Heartbeat(ctx, "ghost", nil); !model.IsCode(err, model.CodeNotFound) {
		t.Fatalf("heartbeat unknown agent: got %v, want not_found", err)
	}

	// Age the heartbeat beyond the timeout and sweep.
	stored, _ := store.GetAgent(ctx, "agent://hb")
	stale := time.Now().UTC().Add(-time.Hour)
	stored.Heartbeat.LastHeartbeat = &stale
	if err := store.UpdateAgent(ctx, stored); err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}

	flipped, err := svc.MarkOfflineAgents(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if flipped != 1 {
		t.Fatalf("flipped: got %d, want 1", flipped)
	}
	after, _ := svc.Get(ctx, "hb")
	if after.Heartbeat.Status != model.HeartbeatOffline {
		t.Fatalf("agent not offline after sweep: %s", after.Heartbeat.Status)
	}
}

func TestTrustList(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, &agent.RegisterRequest{AgentID: "a"}); err != nil {
		t.Fatal(err)
	}

	if err := svc.AddTrustedAgent(ctx, "a", "b"); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Idempotent add.
	if err := svc.AddTrustedAgent(ctx, "a", "b"); err != nil {
		t.Fatalf("second add: %v", err)
	}
	trusted, _ := svc.ListTrusted(ctx, "a")
	if len(trusted) != 1 || trusted[0] != "agent://b" {
		t.Fatalf("trust list: %v", trusted)
	}

	ok, err := svc.IsTrusted(ctx, "a", "agent://b")
	if err != nil || !ok {
		t.Fatalf("IsTrusted: ok=%v err=%v", ok, err)
	}

	if err := svc.RemoveTrustedAgent(ctx, "a", "b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ok, _ := svc.IsTrusted(ctx, "a", "b"); ok {
		t.Fatal("still trusted after removal")
	}
}

func TestWebhookConfiguration(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, &agent.RegisterRequest{AgentID: "w"}); err != nil {
		t.Fatal(err)
	}

	secret, err := svc.ConfigureWebhook(ctx, "w", "https://example.com/hook", "")
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	if secret == "" {
		t.Fatal("secret must be generated and returned once")
	}

	cfg, err := svc.GetWebhookConfig(ctx, "w")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if !cfg.Configured || cfg.URL != "https://example.com/hook" {
		t.Fatalf("bad config: %+v", cfg)
	}

	// The view never exposes the secret; storage keeps it.
	view, _ := svc.Get(ctx, "w")
	if view.WebhookSecret != "" {
		t.Fatal("webhook secret leaked through the agent view")
	}
	raw, _ := store.GetAgent(ctx, "agent://w")
	if raw.WebhookSecret != secret {
		t.Fatal("secret not persisted")
	}

	if err := svc.RemoveWebhook(ctx, "w"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	cfg, _ = svc.GetWebhookConfig(ctx, "w")
	if cfg.Configured {
		t.Fatal("webhook still configured after removal")
	}
}

func TestRotateKeyOverlap(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	seed := randomSeed(t)

	reg, err := svc.Register(ctx, &agent.RegisterRequest{
		Mode: model.ModeSeed, AgentID: "rot", Seed: seed, TenantID: "acme",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	oldKey := reg.Agent.PublicKey

	rot, err := svc.RotateKey(ctx, "rot", seed, "acme")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	a := rot.Agent
	if a.KeyVersion != 2 || a.PublicKey == oldKey {
		t.Fatalf("rotation did not advance the key: %+v", a)
	}
	if len(a.Keys) != 2 {
		t.Fatalf("key history length: got %d, want 2", len(a.Keys))
	}
	prior := a.Keys[0]
	if prior.Active || prior.DeactivateAt == nil {
		t.Fatalf("prior key not scheduled for deactivation: %+v", prior)
	}
	if until := time.Until(*prior.DeactivateAt); until < 23*time.Hour || until > 25*time.Hour {
		t.Fatalf("overlap window not ~24h: %v", until)
	}

	// Both keys verify during the overlap window.
	keys, err := svc.VerificationKeys(ctx, "rot")
	if err != nil {
		t.Fatalf("verification keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != a.PublicKey || keys[1] != oldKey {
		t.Fatalf("verification keys during overlap: %v", keys)
	}

	// Legacy agents cannot rotate.
	if _, err := svc.Register(ctx, &agent.RegisterRequest{AgentID: "leg"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RotateKey(ctx, "leg", seed, "acme"); !model.IsCode(err, model.CodeInvalidState) {
		t.Fatalf("legacy rotate: got %v, want invalid_state", err)
	}
}
