// Package trust maintains per-client reputation: a bounded score driven
// by report outcomes, heartbeat responsiveness and time decay, with an
// append-only audit trail.
package trust

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"threatnet-coordinator/internal/config"
	"threatnet-coordinator/internal/model"
	"threatnet-coordinator/internal/store"
	"threatnet-coordinator/internal/util"
)

// Storage is the slice of the store the manager needs.
type Storage interface {
	GetTrust(ctx context.Context, clientID string) (*model.TrustScore, error)
	SaveTrust(ctx context.Context, score *model.TrustScore, event *model.TrustEvent) error
	ListTrust(ctx context.Context) ([]*model.TrustScore, error)
	TrustHistory(ctx context.Context, clientID string, limit int) ([]model.TrustEvent, error)
}

// AuditSink mirrors trust events into an external analytics store.
// Appends are best-effort and never gate a trust update.
type AuditSink interface {
	Append(ctx context.Context, event model.TrustEvent) error
}

// Manager is the reputation engine. All mutations are serialized per
// client; distinct clients progress in parallel.
type Manager struct {
	cfg    config.TrustConfig
	store  Storage
	audit  AuditSink
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*clientState
}

type clientState struct {
	mu    sync.Mutex
	score *model.TrustScore
	// outcomes is the last-K window of accepted(1)/rejected(0) results
	// feeding the consistency factor. In-memory only; it rebuilds as
	// outcomes arrive after a restart.
	outcomes []float64
}

// NewManager creates a trust manager over the given storage.
func NewManager(cfg config.TrustConfig, storage Storage, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   storage,
		logger:  logger,
		clients: make(map[string]*clientState),
	}
}

// SetAuditSink attaches an optional external audit mirror.
func (m *Manager) SetAuditSink(sink AuditSink) {
	m.audit = sink
}

// Get returns the client's current score, applying lazy decay first.
// Unknown clients are created at the initial trust value.
func (m *Manager) Get(ctx context.Context, clientID string) (*model.TrustScore, error) {
	st := m.state(clientID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := m.loadLocked(ctx, st, clientID); err != nil {
		return nil, err
	}
	if err := m.decayLocked(ctx, st, time.Now().UTC()); err != nil {
		return nil, err
	}
	out := *st.score
	return &out, nil
}

// UpdateOnReport applies the scoring formula for one report outcome and
// records a trust event.
func (m *Manager) UpdateOnReport(ctx context.Context, clientID string, outcome model.ReportOutcome) (*model.TrustScore, error) {
	st := m.state(clientID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := m.loadLocked(ctx, st, clientID); err != nil {
		return nil, err
	}

	prev := *st.score
	prevOutcomes := st.outcomes
	now := time.Now().UTC()

	var reason model.TrustEventReason
	switch outcome {
	case model.OutcomeSubmitted:
		st.score.ReportsTotal++
		reason = model.ReasonReport
	case model.OutcomeAccepted:
		st.score.ReportsAccepted++
		st.outcomes = appendWindow(st.outcomes, 1, m.cfg.ConsistencyWindow)
		reason = model.ReasonAccepted
	case model.OutcomeRejected:
		st.score.ReportsRejected++
		st.outcomes = appendWindow(st.outcomes, 0, m.cfg.ConsistencyWindow)
		reason = model.ReasonRejected
	default:
		return nil, errors.New("unknown report outcome")
	}

	raw := m.rawScore(st, now)
	alpha := m.cfg.LearningRate
	st.score.Value = m.clamp(alpha*raw + (1-alpha)*st.score.Value)
	st.score.LastUpdatedAt = now

	event := &model.TrustEvent{
		ClientID: clientID,
		At:       now,
		Delta:    st.score.Value - prev.Value,
		Reason:   reason,
	}
	if err := m.store.SaveTrust(ctx, st.score, event); err != nil {
		// Store failures revert the in-memory state so cache and store
		// never drift apart.
		*st.score = prev
		st.outcomes = prevOutcomes
		return nil, err
	}
	m.mirror(ctx, *event)

	m.logger.Debug("trust updated",
		util.String("client_id", clientID),
		util.String("outcome", string(outcome)),
		util.Float64("from", prev.Value),
		util.Float64("to", st.score.Value),
	)
	out := *st.score
	return &out, nil
}

// RegisterHeartbeat refreshes the responsiveness clock. It does not
// change the trust value directly.
func (m *Manager) RegisterHeartbeat(ctx context.Context, clientID string, at time.Time) error {
	st := m.state(clientID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := m.loadLocked(ctx, st, clientID); err != nil {
		return err
	}
	prev := st.score.LastHeartbeatAt
	st.score.LastHeartbeatAt = at.UTC()
	if err := m.store.SaveTrust(ctx, st.score, nil); err != nil {
		st.score.LastHeartbeatAt = prev
		return err
	}
	return nil
}

// ApplyDecayTick advances every known client toward the initial trust.
// Lazy reads apply the same rule, so running the tick late is harmless.
func (m *Manager) ApplyDecayTick(ctx context.Context, now time.Time) error {
	scores, err := m.store.ListTrust(ctx)
	if err != nil {
		return err
	}
	for _, score := range scores {
		st := m.state(score.ClientID)
		st.mu.Lock()
		if err := m.loadLocked(ctx, st, score.ClientID); err != nil {
			st.mu.Unlock()
			return err
		}
		if err := m.decayLocked(ctx, st, now); err != nil {
			st.mu.Unlock()
			return err
		}
		st.mu.Unlock()
	}
	return nil
}

// Snapshot returns the current score of every known client.
func (m *Manager) Snapshot(ctx context.Context) (map[string]*model.TrustScore, error) {
	scores, err := m.store.ListTrust(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*model.TrustScore, len(scores))
	for _, score := range scores {
		current, err := m.Get(ctx, score.ClientID)
		if err != nil {
			return nil, err
		}
		out[score.ClientID] = current
	}
	return out, nil
}

// History returns the newest audit entries for one client.
func (m *Manager) History(ctx context.Context, clientID string, limit int) ([]model.TrustEvent, error) {
	return m.store.TrustHistory(ctx, clientID, limit)
}

// Reset returns a client to the initial trust value, recording a manual
// audit entry.
func (m *Manager) Reset(ctx context.Context, clientID string) (*model.TrustScore, error) {
	st := m.state(clientID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := m.loadLocked(ctx, st, clientID); err != nil {
		return nil, err
	}
	prev := *st.score
	now := time.Now().UTC()
	st.score.Value = m.cfg.InitialTrust
	st.score.LastUpdatedAt = now

	event := &model.TrustEvent{
		ClientID: clientID,
		At:       now,
		Delta:    st.score.Value - prev.Value,
		Reason:   model.ReasonManual,
	}
	if err := m.store.SaveTrust(ctx, st.score, event); err != nil {
		*st.score = prev
		return nil, err
	}
	m.mirror(ctx, *event)

	m.logger.Info("trust reset", util.String("client_id", clientID))
	out := *st.score
	return &out, nil
}

// ---- internals ----

func (m *Manager) state(clientID string) *clientState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.clients[clientID]
	if !ok {
		st = &clientState{}
		m.clients[clientID] = st
	}
	return st
}

// loadLocked fills the cached score from the store, creating unknown
// clients at the initial trust. Malformed or unknown ids never fail
// loudly; a row simply comes into existence.
func (m *Manager) loadLocked(ctx context.Context, st *clientState, clientID string) error {
	if st.score != nil {
		return nil
	}
	score, err := m.store.GetTrust(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		now := time.Now().UTC()
		score = &model.TrustScore{
			ClientID:        clientID,
			Value:           m.cfg.InitialTrust,
			LastHeartbeatAt: now,
			LastUpdatedAt:   now,
			CreatedAt:       now,
		}
		if err := m.store.SaveTrust(ctx, score, nil); err != nil {
			return err
		}
		m.logger.Info("new client trust initialized",
			util.String("client_id", clientID),
			util.Float64("trust", m.cfg.InitialTrust),
		)
	} else if err != nil {
		return err
	}
	st.score = score
	return nil
}

// decayLocked applies catch-up decay: N whole intervals since the last
// update shrink the distance to the initial trust by decay_rate^N.
func (m *Manager) decayLocked(ctx context.Context, st *clientState, now time.Time) error {
	interval := m.cfg.DecayInterval
	if interval <= 0 {
		return nil
	}
	elapsed := now.Sub(st.score.LastUpdatedAt)
	n := int(elapsed / interval)
	if n <= 0 {
		return nil
	}

	prev := *st.score
	factor := math.Pow(m.cfg.DecayRate, float64(n))
	st.score.Value = m.clamp(m.cfg.InitialTrust + (st.score.Value-m.cfg.InitialTrust)*factor)
	// Advance by whole intervals so the next tick continues where this
	// one stopped (idempotent under lazy evaluation).
	st.score.LastUpdatedAt = st.score.LastUpdatedAt.Add(time.Duration(n) * interval)

	delta := st.score.Value - prev.Value
	var event *model.TrustEvent
	if math.Abs(delta) > 1e-9 {
		event = &model.TrustEvent{
			ClientID: st.score.ClientID,
			At:       now,
			Delta:    delta,
			Reason:   model.ReasonDecay,
		}
	}
	if err := m.store.SaveTrust(ctx, st.score, event); err != nil {
		*st.score = prev
		return err
	}
	if event != nil {
		m.mirror(ctx, *event)
	}
	return nil
}

// rawScore evaluates the 4-factor formula. The weights are configuration,
// not canon; deployments tune them.
func (m *Manager) rawScore(st *clientState, now time.Time) float64 {
	s := st.score

	accuracy := float64(s.ReportsAccepted) / math.Max(1, float64(s.ReportsAccepted+s.ReportsRejected))
	contribution := math.Min(1, float64(s.ReportsTotal)/m.cfg.ContributionNorm)

	sinceHeartbeat := now.Sub(s.LastHeartbeatAt).Seconds()
	if sinceHeartbeat < 0 {
		sinceHeartbeat = 0
	}
	responsiveness := math.Exp(-sinceHeartbeat / m.cfg.ResponsivenessTau.Seconds())

	consistency := clamp01(1 - stddev(st.outcomes))

	return m.cfg.WeightAccuracy*accuracy +
		m.cfg.WeightContribution*contribution +
		m.cfg.WeightResponsiveness*responsiveness +
		m.cfg.WeightConsistency*consistency
}

func (m *Manager) mirror(ctx context.Context, event model.TrustEvent) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Append(ctx, event); err != nil {
		m.logger.Warn("trust audit mirror failed",
			util.String("client_id", event.ClientID),
			util.ErrorField(err),
		)
	}
}

func (m *Manager) clamp(v float64) float64 {
	return math.Max(m.cfg.MinTrust, math.Min(m.cfg.MaxTrust, v))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return math.Sqrt(sq / float64(len(xs)))
}

func appendWindow(xs []float64, x float64, k int) []float64 {
	if k <= 0 {
		k = 20
	}
	xs = append(xs, x)
	if len(xs) > k {
		xs = xs[len(xs)-k:]
	}
	return xs
}
