// Package intel deduplicates IOC submissions across reporters and
// applies the trust-weighted consensus rule that promotes pending
// indicators to verified intelligence.
package intel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"threatnet-coordinator/internal/config"
	"threatnet-coordinator/internal/model"
	"threatnet-coordinator/internal/store"
	"threatnet-coordinator/internal/util"
)

var (
	// ErrNotFound aliases the shared store sentinel.
	ErrNotFound = store.ErrNotFound
	// ErrConflict is returned when a manual expire hits an IOC that is
	// already expired.
	ErrConflict = errors.New("ioc already expired")
)

// Storage is the slice of the store the aggregator needs.
type Storage interface {
	GetIOC(ctx context.Context, id string) (*model.IOC, error)
	CreateIOCWithReport(ctx context.Context, ioc *model.IOC, rep *model.IOCReport) error
	UpdateIOCWithReport(ctx context.Context, ioc *model.IOC, rep *model.IOCReport) error
	UpdateIOC(ctx context.Context, ioc *model.IOC) error
	GetReport(ctx context.Context, iocID, clientID string) (*model.IOCReport, error)
	ListReporters(ctx context.Context, iocID string) ([]model.IOCReport, error)
	QueryIOCs(ctx context.Context, f model.QueryFilter, limit int) ([]*model.IOC, error)
	PullVerifiedSince(ctx context.Context, cursor int64, limit int) ([]*model.IOC, error)
	ListRecentVerified(ctx context.Context, limit int) ([]*model.IOC, error)
	ListStalePending(ctx context.Context, cutoff time.Time) ([]*model.IOC, error)
	ListVerifiedIDs(ctx context.Context) ([]string, error)
	CountIOCsByStatus(ctx context.Context) (map[model.IOCStatus]int, error)
	CountVerifiedByLevel(ctx context.Context) (map[string]int, error)
}

// TrustSource is the read-only view of the trust manager the aggregator
// consults during consensus evaluation.
type TrustSource interface {
	Get(ctx context.Context, clientID string) (*model.TrustScore, error)
}

// OutcomeSink receives acceptance signals for reporters. The trust
// manager drains it on its own goroutine; the aggregator never calls
// the manager directly.
type OutcomeSink interface {
	Push(clientID string, outcome model.ReportOutcome)
}

// SubmitResult tells a caller what one submission did.
type SubmitResult struct {
	IOCID         string          `json:"ioc_id"`
	Status        model.IOCStatus `json:"status"`
	Created       bool            `json:"created"`
	NewlyVerified bool            `json:"newly_verified"`
}

const lockStripes = 64

// Aggregator is the stateful IOC engine. Mutations are serialized per
// ioc id through a stripe of locks; distinct IOCs progress in parallel.
type Aggregator struct {
	cfg      config.ConsensusConfig
	store    Storage
	trust    TrustSource
	outcomes OutcomeSink
	logger   *zap.Logger
	digest   *Digest
	verified chan *model.IOC

	locks [lockStripes]sync.Mutex
}

// NewAggregator wires the aggregator over its store and trust view.
func NewAggregator(cfg config.ConsensusConfig, storage Storage, trustSource TrustSource, outcomes OutcomeSink, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		cfg:      cfg,
		store:    storage,
		trust:    trustSource,
		outcomes: outcomes,
		logger:   logger,
		digest:   NewDigest(),
		verified: make(chan *model.IOC, 1024),
	}
}

// Bootstrap rebuilds the verified-id digest from the store. Call once
// at startup before serving traffic.
func (a *Aggregator) Bootstrap(ctx context.Context) error {
	ids, err := a.store.ListVerifiedIDs(ctx)
	if err != nil {
		return err
	}
	a.digest.Rebuild(ids)
	a.logger.Info("intel digest rebuilt", util.Int("verified_iocs", len(ids)))
	return nil
}

// Verified exposes the one-shot verification events. The distribution
// fabric drains this channel and fans the IOC out to subscribers.
func (a *Aggregator) Verified() <-chan *model.IOC {
	return a.verified
}

// Digest returns the verified-id bloom digest.
func (a *Aggregator) Digest() *Digest {
	return a.digest
}

// Submit processes one IOC submission. It is idempotent on
// (client_id, ioc_id): duplicates refresh last_seen and merge metadata
// without touching report_count or consensus state.
func (a *Aggregator) Submit(ctx context.Context, clientID string, payload model.IOCPayload) (SubmitResult, error) {
	if clientID == "" {
		return SubmitResult{}, model.ErrMissingClient
	}
	canonical, err := payload.Canonicalize()
	if err != nil {
		return SubmitResult{}, err
	}
	id := model.Fingerprint(payload.Type, canonical)

	// An unknown client gets a trust row at the initial value; the
	// snapshot also lands on the provenance record.
	reporter, err := a.trust.Get(ctx, clientID)
	if err != nil {
		return SubmitResult{}, err
	}

	now := time.Now().UTC()
	lock := a.lockFor(id)
	lock.Lock()
	result, promoted, err := a.submitLocked(ctx, clientID, payload, canonical, id, reporter.Value, now)
	lock.Unlock()
	if err != nil {
		return SubmitResult{}, err
	}

	// Side effects happen after the row lock is released: the trust
	// credit queue and the verification channel can both briefly block.
	a.outcomes.Push(clientID, model.OutcomeSubmitted)
	if promoted != nil {
		reporters, err := a.store.ListReporters(ctx, id)
		if err != nil {
			a.logger.Error("listing reporters for trust credit failed",
				util.String("ioc_id", id), util.ErrorField(err))
		}
		for _, rep := range reporters {
			a.outcomes.Push(rep.ClientID, model.OutcomeAccepted)
		}
		a.digest.Add(id)
		a.verified <- promoted
		a.logger.Info("ioc verified",
			util.String("ioc_id", id),
			util.String("type", string(payload.Type)),
			util.String("threat_level", string(promoted.ThreatLevel)),
			util.Int("report_count", promoted.ReportCount),
		)
	}
	return result, nil
}

// submitLocked runs the per-row critical section: read, modify, decide,
// commit. The returned IOC is non-nil only when this call promoted it.
func (a *Aggregator) submitLocked(ctx context.Context, clientID string, payload model.IOCPayload, canonical, id string, reporterTrust float64, now time.Time) (SubmitResult, *model.IOC, error) {
	existing, err := a.store.GetIOC(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		ioc := model.NewIOC(payload, canonical, now)
		rep := &model.IOCReport{
			IOCID:         id,
			ClientID:      clientID,
			ReportedAt:    now,
			LastSeen:      now,
			TrustAtReport: reporterTrust,
		}
		// A first report can already satisfy consensus on the critical
		// fast path, so the fresh row is evaluated like any other.
		promoted := false
		if Consensus(1, reporterTrust, ioc.ThreatLevel, a.cfg) {
			ioc.Status = model.StatusVerified
			ioc.VerifiedAt = &now
			promoted = true
		}
		if err := a.store.CreateIOCWithReport(ctx, ioc, rep); err != nil {
			return SubmitResult{}, nil, err
		}
		result := SubmitResult{IOCID: id, Status: ioc.Status, Created: true, NewlyVerified: promoted}
		if promoted {
			return result, ioc.Clone(), nil
		}
		return result, nil, nil
	}
	if err != nil {
		return SubmitResult{}, nil, err
	}

	ioc := existing
	ioc.LastSeen = now
	ioc.MergeMetadata(payload.Metadata)
	// A report against an expired IOC opens a fresh audit window: the
	// row returns to pending and may verify (and broadcast) again.
	revived := false
	if ioc.Status == model.StatusExpired {
		ioc.Status = model.StatusPending
		ioc.VerifiedAt = nil
		revived = true
	}
	// A re-report may raise, never lower, the threat level.
	if payload.Level().Rank() > ioc.ThreatLevel.Rank() {
		ioc.ThreatLevel = payload.Level()
	}

	rep := &model.IOCReport{
		IOCID: id, ClientID: clientID,
		ReportedAt: now, LastSeen: now, TrustAtReport: reporterTrust,
	}

	_, err = a.store.GetReport(ctx, id, clientID)
	duplicate := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return SubmitResult{}, nil, err
	}
	if !duplicate {
		ioc.ReportCount++
	}

	// Duplicates never re-run consensus; a revived row gets one fresh
	// evaluation regardless of who reported it back.
	promoted := false
	if ioc.Status == model.StatusPending && (!duplicate || revived) {
		mean, err := a.meanReporterTrust(ctx, id, clientID, reporterTrust)
		if err != nil {
			return SubmitResult{}, nil, err
		}
		if Consensus(ioc.ReportCount, mean, ioc.ThreatLevel, a.cfg) {
			ioc.Status = model.StatusVerified
			ioc.VerifiedAt = &now
			promoted = true
		}
	}

	// Promotion commits only with the row write; a store failure here
	// leaves the IOC pending and unbroadcast.
	if err := a.store.UpdateIOCWithReport(ctx, ioc, rep); err != nil {
		return SubmitResult{}, nil, err
	}
	result := SubmitResult{IOCID: id, Status: ioc.Status, NewlyVerified: promoted}
	if promoted {
		return result, ioc.Clone(), nil
	}
	return result, nil, nil
}

// meanReporterTrust averages the current trust of every distinct
// reporter, including the one being added right now.
func (a *Aggregator) meanReporterTrust(ctx context.Context, iocID, newClientID string, newClientTrust float64) (float64, error) {
	reporters, err := a.store.ListReporters(ctx, iocID)
	if err != nil {
		return 0, err
	}
	sum := newClientTrust
	count := 1
	for _, rep := range reporters {
		if rep.ClientID == newClientID {
			continue
		}
		score, err := a.trust.Get(ctx, rep.ClientID)
		if err != nil {
			return 0, err
		}
		sum += score.Value
		count++
	}
	return sum / float64(count), nil
}

// Get returns one IOC by id.
func (a *Aggregator) Get(ctx context.Context, id string) (*model.IOC, error) {
	return a.store.GetIOC(ctx, id)
}

// Reporters returns the provenance rows for one IOC.
func (a *Aggregator) Reporters(ctx context.Context, id string) ([]model.IOCReport, error) {
	return a.store.ListReporters(ctx, id)
}

// Query lists IOCs matching the filter.
func (a *Aggregator) Query(ctx context.Context, f model.QueryFilter, limit int) ([]*model.IOC, error) {
	return a.store.QueryIOCs(ctx, f, limit)
}

// PullSince returns verified IOCs with verified_at past the cursor and
// the advanced cursor. A zero cursor replays the full verified set.
func (a *Aggregator) PullSince(ctx context.Context, cursor int64, limit int) ([]*model.IOC, int64, error) {
	iocs, err := a.store.PullVerifiedSince(ctx, cursor, limit)
	if err != nil {
		return nil, cursor, err
	}
	next := cursor
	for _, ioc := range iocs {
		if ioc.VerifiedAt != nil && ioc.VerifiedAt.Unix() > next {
			next = ioc.VerifiedAt.Unix()
		}
	}
	return iocs, next, nil
}

// RecentVerified returns the newest verified IOCs in broadcast order
// plus the cursor a client should resume from. Used for the initial
// snapshot when no cursor is known.
func (a *Aggregator) RecentVerified(ctx context.Context, limit int) ([]*model.IOC, int64, error) {
	iocs, err := a.store.ListRecentVerified(ctx, limit)
	if err != nil {
		return nil, 0, err
	}
	var cursor int64
	for _, ioc := range iocs {
		if ioc.VerifiedAt != nil && ioc.VerifiedAt.Unix() > cursor {
			cursor = ioc.VerifiedAt.Unix()
		}
	}
	return iocs, cursor, nil
}

// ExpireSweep marks pending IOCs with no reports inside the TTL as
// expired and debits their reporters. Returns the number expired.
func (a *Aggregator) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	stale, err := a.store.ListStalePending(ctx, now.Add(-a.cfg.IOCTTL))
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := a.expireOne(ctx, candidate.ID, now, true)
		if err != nil {
			a.logger.Error("expire sweep failed for ioc",
				util.String("ioc_id", candidate.ID), util.ErrorField(err))
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		a.logger.Info("expire sweep finished", util.Int("expired", expired))
	}
	return expired, nil
}

// Expire is the explicit admin operation. Expiring an already-expired
// IOC is a conflict; expiring a verified IOC is allowed and does not
// debit its reporters.
func (a *Aggregator) Expire(ctx context.Context, id string) (*model.IOC, error) {
	lock := a.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	ioc, err := a.store.GetIOC(ctx, id)
	if err != nil {
		return nil, err
	}
	if ioc.Status == model.StatusExpired {
		return nil, ErrConflict
	}
	wasPending := ioc.Status == model.StatusPending
	ioc.Status = model.StatusExpired
	if err := a.store.UpdateIOC(ctx, ioc); err != nil {
		return nil, err
	}
	if wasPending {
		a.debitReporters(ctx, id)
	}
	a.logger.Info("ioc expired manually", util.String("ioc_id", id))
	return ioc.Clone(), nil
}

// expireOne expires a single candidate under its row lock, re-checking
// state so a racing report wins over the sweep.
func (a *Aggregator) expireOne(ctx context.Context, id string, now time.Time, debit bool) (bool, error) {
	lock := a.lockFor(id)
	lock.Lock()

	ioc, err := a.store.GetIOC(ctx, id)
	if err != nil {
		lock.Unlock()
		return false, err
	}
	if ioc.Status != model.StatusPending || now.Sub(ioc.LastSeen) < a.cfg.IOCTTL {
		lock.Unlock()
		return false, nil
	}
	ioc.Status = model.StatusExpired
	if err := a.store.UpdateIOC(ctx, ioc); err != nil {
		lock.Unlock()
		return false, err
	}
	lock.Unlock()

	if debit {
		a.debitReporters(ctx, id)
	}
	return true, nil
}

// debitReporters pushes a rejected outcome for every reporter of an
// IOC that expired without ever verifying.
func (a *Aggregator) debitReporters(ctx context.Context, id string) {
	reporters, err := a.store.ListReporters(ctx, id)
	if err != nil {
		a.logger.Error("listing reporters for trust debit failed",
			util.String("ioc_id", id), util.ErrorField(err))
		return
	}
	for _, rep := range reporters {
		a.outcomes.Push(rep.ClientID, model.OutcomeRejected)
	}
}

// Stats aggregates IOC counts for the status endpoint.
func (a *Aggregator) Stats(ctx context.Context) (map[model.IOCStatus]int, map[string]int, error) {
	byStatus, err := a.store.CountIOCsByStatus(ctx)
	if err != nil {
		return nil, nil, err
	}
	byLevel, err := a.store.CountVerifiedByLevel(ctx)
	if err != nil {
		return nil, nil, err
	}
	return byStatus, byLevel, nil
}

func (a *Aggregator) lockFor(id string) *sync.Mutex {
	return &a.locks[murmur3.Sum32([]byte(id))%lockStripes]
}
