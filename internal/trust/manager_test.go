package trust

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"threatnet-coordinator/internal/config"
	"threatnet-coordinator/internal/model"
	"threatnet-coordinator/internal/store/sqlite"
)

func testTrustConfig() config.TrustConfig {
	return config.TrustConfig{
		InitialTrust:         0.5,
		MinTrust:             0.1,
		MaxTrust:             1.0,
		DecayRate:            0.95,
		DecayInterval:        time.Hour,
		WeightAccuracy:       0.40,
		WeightContribution:   0.20,
		WeightResponsiveness: 0.20,
		WeightConsistency:    0.20,
		LearningRate:         0.25,
		ContributionNorm:     50,
		ResponsivenessTau:    60 * time.Second,
		ConsistencyWindow:    20,
	}
}

func newTestManager(t *testing.T) (*Manager, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "trust.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewManager(testTrustConfig(), st, zap.NewNop()), st
}

func TestUnknownClientCreatedAtInitialTrust(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	score, err := m.Get(ctx, "fresh-client")
	if err != nil {
		t.Fatal(err)
	}
	if score.Value != 0.5 {
		t.Errorf("new client should start at 0.5, got %.3f", score.Value)
	}

	// The row persisted.
	stored, err := st.GetTrust(ctx, "fresh-client")
	if err != nil {
		t.Fatalf("trust row not persisted: %v", err)
	}
	if stored.Value != 0.5 {
		t.Errorf("persisted value %.3f", stored.Value)
	}
}

func TestUpdateOnReportCounters(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.UpdateOnReport(ctx, "c1", model.OutcomeSubmitted); err != nil {
		t.Fatal(err)
	}
	if _, err := m.UpdateOnReport(ctx, "c1", model.OutcomeAccepted); err != nil {
		t.Fatal(err)
	}
	score, err := m.UpdateOnReport(ctx, "c1", model.OutcomeRejected)
	if err != nil {
		t.Fatal(err)
	}

	if score.ReportsTotal != 1 || score.ReportsAccepted != 1 || score.ReportsRejected != 1 {
		t.Errorf("counters wrong: %+v", score)
	}

	history, err := m.History(ctx, "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(history))
	}
	// History is newest first.
	if history[0].Reason != model.ReasonRejected || history[2].Reason != model.ReasonReport {
		t.Errorf("unexpected audit reasons: %v, %v, %v",
			history[0].Reason, history[1].Reason, history[2].Reason)
	}
}

func TestTrustStaysInsideBounds(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// A perfect reporter never exceeds max trust.
	for i := 0; i < 100; i++ {
		score, err := m.UpdateOnReport(ctx, "saint", model.OutcomeAccepted)
		if err != nil {
			t.Fatal(err)
		}
		if score.Value > 1.0 || score.Value < 0.1 {
			t.Fatalf("trust escaped bounds: %.4f", score.Value)
		}
	}

	// A reporter with nothing but rejections sinks but never goes
	// below min trust.
	var prev = 0.5
	for i := 0; i < 50; i++ {
		score, err := m.UpdateOnReport(ctx, "crier", model.OutcomeRejected)
		if err != nil {
			t.Fatal(err)
		}
		if score.Value < 0.1 {
			t.Fatalf("trust fell below min: %.4f", score.Value)
		}
		if score.Value > prev+1e-9 {
			t.Fatalf("rejections must not raise trust: %.4f -> %.4f", prev, score.Value)
		}
		prev = score.Value
	}
	if prev >= 0.5 {
		t.Errorf("50 rejections should pull trust below initial, got %.4f", prev)
	}
}

func TestDecayCatchUp(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Client F: trust 0.9, silent for three decay intervals.
	seeded := &model.TrustScore{
		ClientID:        "client-f",
		Value:           0.9,
		LastHeartbeatAt: now.Add(-3*time.Hour - time.Minute),
		LastUpdatedAt:   now.Add(-3*time.Hour - time.Minute),
		CreatedAt:       now.Add(-24 * time.Hour),
	}
	if err := st.SaveTrust(ctx, seeded, nil); err != nil {
		t.Fatal(err)
	}

	score, err := m.Get(ctx, "client-f")
	if err != nil {
		t.Fatal(err)
	}

	want := 0.5 + (0.9-0.5)*math.Pow(0.95, 3)
	if math.Abs(score.Value-want) > 1e-6 {
		t.Errorf("decay catch-up: want %.6f, got %.6f", want, score.Value)
	}

	// A second read inside the same interval must not decay again.
	again, err := m.Get(ctx, "client-f")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(again.Value-score.Value) > 1e-9 {
		t.Errorf("repeated read decayed again: %.6f -> %.6f", score.Value, again.Value)
	}

	history, err := m.History(ctx, "client-f", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Reason != model.ReasonDecay {
		t.Errorf("expected one decay audit entry, got %+v", history)
	}
}

func TestApplyDecayTickCoversAllClients(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"a", "b"} {
		seeded := &model.TrustScore{
			ClientID:        id,
			Value:           0.8,
			LastHeartbeatAt: now.Add(-2 * time.Hour),
			LastUpdatedAt:   now.Add(-2*time.Hour - time.Minute),
			CreatedAt:       now.Add(-48 * time.Hour),
		}
		if err := st.SaveTrust(ctx, seeded, nil); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.ApplyDecayTick(ctx, now); err != nil {
		t.Fatal(err)
	}

	want := 0.5 + (0.8-0.5)*math.Pow(0.95, 2)
	for _, id := range []string{"a", "b"} {
		stored, err := st.GetTrust(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(stored.Value-want) > 1e-6 {
			t.Errorf("client %s: want %.6f, got %.6f", id, want, stored.Value)
		}
	}
}

func TestHeartbeatFeedsResponsiveness(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := m.RegisterHeartbeat(ctx, "prompt", now); err != nil {
		t.Fatal(err)
	}
	stale := &model.TrustScore{
		ClientID:        "tardy",
		Value:           0.5,
		LastHeartbeatAt: now.Add(-30 * time.Minute),
		LastUpdatedAt:   now,
		CreatedAt:       now,
	}
	if err := st.SaveTrust(ctx, stale, nil); err != nil {
		t.Fatal(err)
	}

	prompt, err := m.UpdateOnReport(ctx, "prompt", model.OutcomeAccepted)
	if err != nil {
		t.Fatal(err)
	}
	tardy, err := m.UpdateOnReport(ctx, "tardy", model.OutcomeAccepted)
	if err != nil {
		t.Fatal(err)
	}
	if prompt.Value <= tardy.Value {
		t.Errorf("responsive client should score higher: prompt %.4f vs tardy %.4f",
			prompt.Value, tardy.Value)
	}
}

func TestResetWritesManualEvent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := m.UpdateOnReport(ctx, "c1", model.OutcomeAccepted); err != nil {
			t.Fatal(err)
		}
	}
	score, err := m.Reset(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if score.Value != 0.5 {
		t.Errorf("reset should restore initial trust, got %.3f", score.Value)
	}

	history, err := m.History(ctx, "c1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Reason != model.ReasonManual {
		t.Errorf("expected manual event, got %+v", history)
	}
}

func TestSnapshotReturnsAllClients(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.Get(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	snapshot, err := m.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshot) != 3 {
		t.Errorf("expected 3 clients in snapshot, got %d", len(snapshot))
	}
	if snapshot["b"] == nil || snapshot["b"].Value != 0.5 {
		t.Errorf("snapshot missing client b: %+v", snapshot["b"])
	}
}

func TestConsumeDrainsOutcomeQueue(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewOutcomeQueue(16)
	done := make(chan struct{})
	go func() {
		_ = m.Consume(ctx, q)
		close(done)
	}()

	q.Push("c1", model.OutcomeAccepted)
	q.Push("c1", model.OutcomeAccepted)

	deadline := time.Now().Add(5 * time.Second)
	for {
		score, err := m.Get(ctx, "c1")
		if err != nil {
			t.Fatal(err)
		}
		if score.ReportsAccepted == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("outcomes not applied, accepted=%d", score.ReportsAccepted)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}
