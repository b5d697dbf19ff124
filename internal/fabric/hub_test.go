package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"threatnet-coordinator/internal/config"
	"threatnet-coordinator/internal/intel"
	"threatnet-coordinator/internal/model"
	"threatnet-coordinator/internal/store/sqlite"
	"threatnet-coordinator/internal/trust"
)

// fakeConn is an in-memory framed transport for hub tests.
type fakeConn struct {
	in        chan model.Envelope
	out       chan model.Envelope
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:  make(chan model.Envelope, 16),
		out: make(chan model.Envelope, 256),
	}
}

func (c *fakeConn) ReadJSON(v any) error {
	env, ok := <-c.in
	if !ok {
		return io.EOF
	}
	*(v.(*model.Envelope)) = env
	return nil
}

func (c *fakeConn) WriteJSON(v any) error {
	env, ok := v.(model.Envelope)
	if !ok {
		return errors.New("unexpected frame type")
	}
	select {
	case c.out <- env:
		return nil
	default:
		return errors.New("fake conn out buffer full")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.in) })
	return nil
}

func (c *fakeConn) sendEvent(t *testing.T, event string, payload any) {
	t.Helper()
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	c.in <- env
}

// awaitEvent reads outbound frames, discarding others, until the named
// event arrives.
func (c *fakeConn) awaitEvent(t *testing.T, event string) model.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-c.out:
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

// awaitEvents waits until every named event has been seen, in any order.
func (c *fakeConn) awaitEvents(t *testing.T, events ...string) map[string]model.Envelope {
	t.Helper()
	want := make(map[string]bool, len(events))
	for _, e := range events {
		want[e] = true
	}
	got := make(map[string]model.Envelope, len(events))
	deadline := time.After(3 * time.Second)
	for len(got) < len(events) {
		select {
		case env := <-c.out:
			if want[env.Event] {
				got[env.Event] = env
			}
		case <-deadline:
			t.Fatalf("timed out; saw %d of %d events", len(got), len(events))
		}
	}
	return got
}

type hubFixture struct {
	hub   *Hub
	store *sqlite.Store
}

type nopSink struct{}

func (nopSink) Push(string, model.ReportOutcome) {}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	trustCfg := config.TrustConfig{
		InitialTrust: 0.5, MinTrust: 0.1, MaxTrust: 1.0,
		DecayRate: 0.95, DecayInterval: time.Hour,
		WeightAccuracy: 0.40, WeightContribution: 0.20,
		WeightResponsiveness: 0.20, WeightConsistency: 0.20,
		LearningRate: 0.25, ContributionNorm: 50,
		ResponsivenessTau: 60 * time.Second, ConsistencyWindow: 20,
	}
	consensusCfg := config.ConsensusConfig{
		Threshold: 2, TrustAverage: 0.6, CriticalTrustBypass: 0.8,
		IOCTTL: 30 * 24 * time.Hour,
	}
	fabricCfg := config.FabricConfig{
		HeartbeatInterval: 5 * time.Second,
		OutboundQueueSize: 64,
		HandlerTimeout:    5 * time.Second,
		SnapshotLimit:     1000,
	}

	trustMgr := trust.NewManager(trustCfg, st, zap.NewNop())
	agg := intel.NewAggregator(consensusCfg, st, trustMgr, nopSink{}, zap.NewNop())
	hub := NewHub(fabricCfg, agg, trustMgr, zap.NewNop())
	return &hubFixture{hub: hub, store: st}
}

func (f *hubFixture) seedTrust(t *testing.T, clientID string, value float64) {
	t.Helper()
	now := time.Now().UTC()
	err := f.store.SaveTrust(context.Background(), &model.TrustScore{
		ClientID:        clientID,
		Value:           value,
		LastHeartbeatAt: now,
		LastUpdatedAt:   now,
		CreatedAt:       now,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
}

// connect runs the handshake and waits for the registration ack and
// initial snapshot.
func (f *hubFixture) connect(t *testing.T, ctx context.Context, clientID string) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	go f.hub.HandleConn(ctx, conn)
	conn.sendEvent(t, model.EventRegister, model.RegisterPayload{
		ClientID: clientID, Hostname: clientID + ".local", Version: "1.0.0",
	})
	conn.awaitEvent(t, model.EventRegistered)
	conn.awaitEvent(t, model.EventSyncResponse)
	return conn
}

func TestRegisterHandshake(t *testing.T) {
	f := newHubFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newFakeConn()
	go f.hub.HandleConn(ctx, conn)
	conn.sendEvent(t, model.EventRegister, model.RegisterPayload{
		ClientID: "agent-1", Hostname: "edge-1.local", Version: "1.0.0",
	})

	reg := conn.awaitEvent(t, model.EventRegistered)
	var ack map[string]any
	if err := json.Unmarshal(reg.Data, &ack); err != nil {
		t.Fatal(err)
	}
	if ack["client_id"] != "agent-1" {
		t.Errorf("registration ack for wrong client: %v", ack)
	}
	if ack["trust"].(float64) != 0.5 {
		t.Errorf("new client trust should be 0.5, got %v", ack["trust"])
	}

	sync := conn.awaitEvent(t, model.EventSyncResponse)
	var snapshot model.SyncResponsePayload
	if err := json.Unmarshal(sync.Data, &snapshot); err != nil {
		t.Fatal(err)
	}
	if len(snapshot.Digest) == 0 {
		t.Error("initial snapshot should carry the bloom digest")
	}

	if f.hub.OnlineCount() != 1 {
		t.Errorf("expected 1 online session, got %d", f.hub.OnlineCount())
	}
}

func TestRefusesUnregisteredFirstEvent(t *testing.T) {
	f := newHubFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newFakeConn()
	go f.hub.HandleConn(ctx, conn)
	conn.sendEvent(t, model.EventHeartbeat, model.HeartbeatPayload{ClientID: "x"})

	env := conn.awaitEvent(t, model.EventError)
	if env.Event != model.EventError {
		t.Fatal("expected error event")
	}
	if f.hub.OnlineCount() != 0 {
		t.Error("refused client must not register a session")
	}
}

func TestAuthorizerHook(t *testing.T) {
	f := newHubFixture(t)
	f.hub.SetAuthorizer(func(clientID, token string) error {
		if token != "letmein" {
			return errors.New("bad token")
		}
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newFakeConn()
	go f.hub.HandleConn(ctx, conn)
	conn.sendEvent(t, model.EventRegister, model.RegisterPayload{ClientID: "spy"})
	conn.awaitEvent(t, model.EventError)

	allowed := newFakeConn()
	go f.hub.HandleConn(ctx, allowed)
	allowed.sendEvent(t, model.EventRegister, model.RegisterPayload{ClientID: "friend", Token: "letmein"})
	allowed.awaitEvent(t, model.EventRegistered)
}

func TestReportFlowEndToEnd(t *testing.T) {
	f := newHubFixture(t)
	f.seedTrust(t, "agent-a", 0.7)
	f.seedTrust(t, "agent-b", 0.6)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.hub.Run(ctx) }()

	connA := f.connect(t, ctx, "agent-a")
	connB := f.connect(t, ctx, "agent-b")

	payload := model.IOCPayload{
		Type:        model.TypeFileHash,
		Value:       "deadbeefdeadbeefdeadbeefdeadbeef",
		ThreatLevel: model.LevelHigh,
	}

	// First report: pending ack, no broadcast.
	connA.sendEvent(t, model.EventReportThreat, model.ReportPayload{ClientID: "agent-a", IOC: payload})
	ackEnv := connA.awaitEvent(t, model.EventReportAck)
	var ack model.ReportAckPayload
	if err := json.Unmarshal(ackEnv.Data, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Status != model.StatusPending || ack.IOCID == "" {
		t.Fatalf("first ack should be pending: %+v", ack)
	}

	// Second reporter triggers the one-shot broadcast to both clients.
	connB.sendEvent(t, model.EventReportThreat, model.ReportPayload{ClientID: "agent-b", IOC: payload})
	got := connB.awaitEvents(t, model.EventReportAck, model.EventIOCVerified)
	var ackB model.ReportAckPayload
	if err := json.Unmarshal(got[model.EventReportAck].Data, &ackB); err != nil {
		t.Fatal(err)
	}
	if ackB.Status != model.StatusVerified {
		t.Errorf("second ack should report verified, got %s", ackB.Status)
	}

	verified := connA.awaitEvent(t, model.EventIOCVerified)
	var broadcast model.IOCVerifiedPayload
	if err := json.Unmarshal(verified.Data, &broadcast); err != nil {
		t.Fatal(err)
	}
	if broadcast.IOC == nil || broadcast.IOC.ID != ack.IOCID {
		t.Errorf("broadcast carries wrong IOC: %+v", broadcast.IOC)
	}
	if broadcast.IOC.Status != model.StatusVerified {
		t.Errorf("broadcast IOC should be verified, got %s", broadcast.IOC.Status)
	}
}

func TestMalformedReportNacked(t *testing.T) {
	f := newHubFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := f.connect(t, ctx, "agent-x")
	conn.sendEvent(t, model.EventReportThreat, model.ReportPayload{
		ClientID: "agent-x",
		IOC:      model.IOCPayload{Type: "behavior", Value: "x"},
	})

	nackEnv := conn.awaitEvent(t, model.EventReportNack)
	var nack model.ReportNackPayload
	if err := json.Unmarshal(nackEnv.Data, &nack); err != nil {
		t.Fatal(err)
	}
	if nack.Error != "bad_request" {
		t.Errorf("expected bad_request nack, got %q", nack.Error)
	}
}

func TestSyncRequestReturnsVerifiedBatch(t *testing.T) {
	f := newHubFixture(t)
	f.seedTrust(t, "agent-c", 0.9)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := f.connect(t, ctx, "agent-c")
	conn.sendEvent(t, model.EventReportThreat, model.ReportPayload{
		ClientID: "agent-c",
		IOC: model.IOCPayload{
			Type: model.TypeURL, Value: "http://bad.example/m", ThreatLevel: model.LevelCritical,
		},
	})
	conn.awaitEvent(t, model.EventReportAck)

	conn.sendEvent(t, model.EventSyncRequest, model.SyncRequestPayload{ClientID: "agent-c", Cursor: 0})
	env := conn.awaitEvent(t, model.EventSyncResponse)
	var resp model.SyncResponsePayload
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.IOCs) != 1 {
		t.Fatalf("expected 1 verified IOC in sync batch, got %d", len(resp.IOCs))
	}
	if resp.Cursor == 0 {
		t.Error("sync response should advance the cursor")
	}
}

func TestDisconnectMarksOfflineAndKeepsCursor(t *testing.T) {
	f := newHubFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := f.connect(t, ctx, "watcher")
	leaver := f.connect(t, ctx, "leaver")

	leaver.sendEvent(t, model.EventSyncRequest, model.SyncRequestPayload{ClientID: "leaver", Cursor: 42})
	leaver.awaitEvent(t, model.EventSyncResponse)

	leaver.Close()

	// The fleet hears about it.
	for {
		env := watcher.awaitEvent(t, model.EventClientStatus)
		var status model.ClientStatusPayload
		if err := json.Unmarshal(env.Data, &status); err != nil {
			t.Fatal(err)
		}
		if status.ClientID == "leaver" && !status.Online {
			break
		}
	}

	if f.hub.OnlineCount() != 1 {
		t.Errorf("expected 1 session after disconnect, got %d", f.hub.OnlineCount())
	}

	f.hub.mu.RLock()
	cursor := f.hub.cursors["leaver"]
	f.hub.mu.RUnlock()
	if cursor != 42 {
		t.Errorf("cursor should survive disconnect, got %d", cursor)
	}

	var offline bool
	for _, p := range f.hub.Profiles() {
		if p.ClientID == "leaver" {
			offline = !p.Online
		}
	}
	if !offline {
		t.Error("leaver should be marked offline")
	}
}

func TestReapStaleSessions(t *testing.T) {
	f := newHubFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := f.connect(t, ctx, "sleeper")
	_ = conn

	// Age the session's heartbeat past three intervals.
	f.hub.mu.RLock()
	session := f.hub.sessions["sleeper"]
	f.hub.mu.RUnlock()
	session.lastBeat.Store(time.Now().Add(-time.Minute).Unix())

	if n := f.hub.ReapStale(ctx, time.Now().UTC()); n != 1 {
		t.Fatalf("expected 1 reaped session, got %d", n)
	}
	if f.hub.OnlineCount() != 0 {
		t.Errorf("reaped session still online, count=%d", f.hub.OnlineCount())
	}
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	f := newHubFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := f.connect(t, ctx, "beater")
	conn.sendEvent(t, model.EventHeartbeat, model.HeartbeatPayload{
		ClientID: "beater", At: time.Now().UTC(), Status: "scanning",
	})

	// Wait for the heartbeat to land, then confirm the reaper leaves
	// the session alone.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var status string
		for _, p := range f.hub.Profiles() {
			if p.ClientID == "beater" {
				status = p.Status
			}
		}
		if status == "scanning" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("heartbeat status not applied, got %q", status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if n := f.hub.ReapStale(ctx, time.Now().UTC()); n != 0 {
		t.Errorf("fresh session must not be reaped, got %d", n)
	}
}
