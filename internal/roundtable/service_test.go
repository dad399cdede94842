package roundtable_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/agent"
	"github.com/admp-protocol/admp-hub/internal/group"
	"github.com/admp-protocol/admp-hub/internal/inbox"
	"github.com/admp-protocol/admp-hub/internal/model"
	"github.com/admp-protocol/admp-hub/internal/roundtable"
	"github.com/admp-protocol/admp-hub/internal/storage"
)

type fixture struct {
	store  *storage.Memory
	agents *agent.Service
	inbox  *inbox.Service
	groups *group.Service
	tables *roundtable.Service
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	store := storage.NewMemory()
	agents := agent.NewService(store, agent.Options{}, zap.NewNop())
	ib := inbox.NewService(store, nil, inbox.Options{}, zap.NewNop())
	groups := group.NewService(store, ib, zap.NewNop())
	f := &fixture{
		store:  store,
		agents: agents,
		inbox:  ib,
		groups: groups,
		tables: roundtable.NewService(store, groups, ib, zap.NewNop()),
	}
	for _, n := range names {
		if _, err := agents.Register(context.Background(), &agent.RegisterRequest{AgentID: n}); err != nil {
			t.Fatalf("register %s: %v", n, err)
		}
	}
	return f
}

func createTable(t *testing.T, f *fixture, participants ...string) *roundtable.CreateResult {
	t.Helper()
	res, err := f.tables.Create(context.Background(), &roundtable.CreateRequest{
		Topic:          "deploy?",
		Goal:           "decide",
		Facilitator:    "alice",
		Participants:   participants,
		TimeoutMinutes: 60,
	})
	if err != nil {
		t.Fatalf("create round table: %v", err)
	}
	return res
}

func drainInbox(t *testing.T, f *fixture, agentID string) []*model.MessageRecord {
	t.Helper()
	var out []*model.MessageRecord
	for {
		rec, err := f.inbox.Pull(context.Background(), agentID, time.Minute)
		if err != nil {
			t.Fatalf("pull %s: %v", agentID, err)
		}
		if rec == nil {
			return out
		}
		out = append(out, rec)
	}
}

func TestCreateEnrollsAndNotifies(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()

	res := createTable(t, f, "bob", "carol")
	rt := res.RoundTable
	if rt.Status != model.RoundTableOpen || len(rt.Participants) != 2 || len(res.ExcludedParticipants) != 0 {
		t.Fatalf("bad round table: %+v excluded=%v", rt, res.ExcludedParticipants)
	}

	// Backing group holds facilitator + participants.
	g, err := f.groups.Get(ctx, rt.GroupID)
	if err != nil {
		t.Fatalf("backing group: %v", err)
	}
	if g.Access.Type != model.AccessInviteOnly || len(g.Members) != 3 || g.Owner() != "agent://alice" {
		t.Fatalf("backing group shape: %+v", g)
	}

	// Each participant got a work_order.
	for _, n := range []string{"bob", "carol"} {
		msgs := drainInbox(t, f, n)
		if len(msgs) != 1 || msgs[0].Envelope.Type != "work_order" {
			t.Fatalf("%s inbox: %+v", n, msgs)
		}
	}
}

func TestCreateEnrollmentAtomicity(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()

	res, err := f.tables.Create(ctx, &roundtable.CreateRequest{
		Topic: "t", Goal: "g", Facilitator: "alice",
		Participants:   []string{"agent://bob", "agent://carol", "agent://ghost"},
		TimeoutMinutes: 10,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(res.ExcludedParticipants) != 1 || res.ExcludedParticipants[0] != "agent://ghost" {
		t.Fatalf("excluded: %v", res.ExcludedParticipants)
	}
	if len(res.RoundTable.Participants) != 2 {
		t.Fatalf("participants: %v", res.RoundTable.Participants)
	}

	// Backing group membership equals {facilitator, bob, carol} and
	// capacity shrank to match.
	g, err := f.groups.Get(ctx, res.RoundTable.GroupID)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Members) != 3 || g.Settings.MaxMembers != 3 {
		t.Fatalf("group after partial enrollment: members=%d max=%d", len(g.Members), g.Settings.MaxMembers)
	}

	// All-ghost participant lists fail and leave no group behind.
	_, err = f.tables.Create(ctx, &roundtable.CreateRequest{
		Topic: "t", Goal: "g", Facilitator: "alice",
		Participants:   []string{"agent://ghost"},
		TimeoutMinutes: 10,
	})
	if !model.IsCode(err, model.CodeValidation) {
		t.Fatalf("empty enrollment: got %v, want validation error", err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	cases := []roundtable.CreateRequest{
		{Goal: "g", Facilitator: "alice", Participants: []string{"bob"}, TimeoutMinutes: 10},
		{Topic: "t", Facilitator: "alice", Participants: []string{"bob"}, TimeoutMinutes: 10},
		{Topic: "t", Goal: "g", Facilitator: "alice", Participants: nil, TimeoutMinutes: 10},
		{Topic: "t", Goal: "g", Facilitator: "alice", Participants: []string{"bob", "agent://bob"}, TimeoutMinutes: 10},
		{Topic: "t", Goal: "g", Facilitator: "alice", Participants: []string{"bob"}, TimeoutMinutes: 0},
		{Topic: "t", Goal: "g", Facilitator: "alice", Participants: []string{"bob"}, TimeoutMinutes: model.MaxRoundTableMinutes + 1},
	}
	for i, req := range cases {
		if _, err := f.tables.Create(ctx, &req); !model.IsCode(err, model.CodeValidation) {
			t.Fatalf("case %d: got %v, want validation error", i, err)
		}
	}
}

func TestSpeakAppendsAndMulticasts(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()
	res := createTable(t, f, "bob", "carol")
	drainInbox(t, f, "bob")
	drainInbox(t, f, "carol")

	sr, err := f.tables.Speak(ctx, res.RoundTable.ID, &roundtable.SpeakRequest{From: "bob", Message: "yes"})
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if sr.ThreadLength != 1 || sr.EntryID == "" {
		t.Fatalf("speak result: %+v", sr)
	}

	rt, err := f.tables.Get(ctx, res.RoundTable.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(rt.Thread) != 1 || rt.Thread[0].From != "agent://bob" || rt.Thread[0].Message != "yes" {
		t.Fatalf("thread: %+v", rt.Thread)
	}

	// Multicast reached the other members via the backing group.
	if msgs := drainInbox(t, f, "carol"); len(msgs) != 1 || msgs[0].Envelope.Type != "group.message" {
		t.Fatalf("carol multicast: %+v", msgs)
	}
	if msgs := drainInbox(t, f, "alice"); len(msgs) != 1 {
		t.Fatalf("facilitator multicast: %+v", msgs)
	}

	// Outsiders cannot speak or view.
	if _, err := f.agents.Register(ctx, &agent.RegisterRequest{AgentID: "eve"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.tables.Speak(ctx, res.RoundTable.ID, &roundtable.SpeakRequest{From: "eve", Message: "hi"}); !model.IsCode(err, model.CodeForbiddenRole) {
		t.Fatalf("outsider speak: got %v, want forbidden_role", err)
	}
	if _, err := f.tables.Get(ctx, res.RoundTable.ID, "eve"); !model.IsCode(err, model.CodeForbiddenRole) {
		t.Fatalf("outsider get: got %v, want forbidden_role", err)
	}
}

func TestResolve(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	res := createTable(t, f, "bob")

	// Only the facilitator may resolve.
	if _, err := f.tables.Resolve(ctx, res.RoundTable.ID, &roundtable.ResolveRequest{
		Facilitator: "bob", Outcome: "ship it",
	}); !model.IsCode(err, model.CodeForbiddenRole) {
		t.Fatalf("participant resolve: got %v, want forbidden_role", err)
	}

	rt, err := f.tables.Resolve(ctx, res.RoundTable.ID, &roundtable.ResolveRequest{
		Facilitator: "alice", Outcome: "ship it",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rt.Status != model.RoundTableResolved || rt.Decision != "approved" || rt.ResolvedAt == nil {
		t.Fatalf("resolved state: %+v", rt)
	}

	// Backing group is gone; speak now conflicts.
	if _, err := f.groups.Get(ctx, rt.GroupID); !model.IsCode(err, model.CodeNotFound) {
		t.Fatalf("backing group after resolve: got %v, want not_found", err)
	}
	if _, err := f.tables.Speak(ctx, rt.ID, &roundtable.SpeakRequest{From: "bob", Message: "late"}); !model.IsCode(err, model.CodeConflict) {
		t.Fatalf("speak after resolve: got %v, want conflict", err)
	}
	// Double resolve conflicts.
	if _, err := f.tables.Resolve(ctx, rt.ID, &roundtable.ResolveRequest{Facilitator: "alice", Outcome: "x"}); !model.IsCode(err, model.CodeConflict) {
		t.Fatalf("double resolve: got %v, want conflict", err)
	}
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()
	res := createTable(t, f, "bob", "carol")
	drainInbox(t, f, "bob")
	drainInbox(t, f, "carol")

	// Force the deadline into the past.
	rt, _ := f.store.GetRoundTable(ctx, res.RoundTable.ID)
	rt.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := f.store.UpdateRoundTable(ctx, rt); err != nil {
		t.Fatal(err)
	}

	n, err := f.tables.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired: got %d, want 1", n)
	}

	after, _ := f.store.GetRoundTable(ctx, rt.ID)
	if after.Status != model.RoundTableExpired {
		t.Fatalf("status: %s", after.Status)
	}

	// Facilitator and both participants each get one notification.
	for _, name := range []string{"alice", "bob", "carol"} {
		msgs := drainInbox(t, f, name)
		if len(msgs) != 1 || msgs[0].Envelope.Type != "notification" {
			t.Fatalf("%s notifications: %+v", name, msgs)
		}
		if msgs[0].Envelope.Subject != "Round Table expired: deploy?" {
			t.Fatalf("%s subject: %q", name, msgs[0].Envelope.Subject)
		}
	}

	// The backing group is torn down.
	if _, err := f.groups.Get(ctx, rt.GroupID); !model.IsCode(err, model.CodeNotFound) {
		t.Fatalf("backing group after expiry: got %v, want not_found", err)
	}
}

func TestPurgeStale(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	res := createTable(t, f, "bob")

	if _, err := f.tables.Resolve(ctx, res.RoundTable.ID, &roundtable.ResolveRequest{
		Facilitator: "alice", Outcome: "done",
	}); err != nil {
		t.Fatal(err)
	}

	// Fresh terminal records survive the default threshold.
	n, err := f.tables.PurgeStale(ctx, 0)
	if err != nil || n != 0 {
		t.Fatalf("early purge: n=%d err=%v", n, err)
	}

	// Age the record past the threshold.
	rt, _ := f.store.GetRoundTable(ctx, res.RoundTable.ID)
	rt.CreatedAt = time.Now().UTC().Add(-8 * 24 * time.Hour)
	if err := f.store.UpdateRoundTable(ctx, rt); err != nil {
		t.Fatal(err)
	}
	n, err = f.tables.PurgeStale(ctx, 0)
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
}
