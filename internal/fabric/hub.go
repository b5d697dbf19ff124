// Package fabric binds the trust manager and the aggregator to many
// concurrent clients: a connection registry, per-session bounded event
// queues, and the fan-out of verification and status events.
package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"threatnet-coordinator/internal/config"
	"threatnet-coordinator/internal/intel"
	"threatnet-coordinator/internal/model"
	"threatnet-coordinator/internal/util"
)

// IntelService is the aggregator surface the hub drives.
type IntelService interface {
	Submit(ctx context.Context, clientID string, payload model.IOCPayload) (intel.SubmitResult, error)
	PullSince(ctx context.Context, cursor int64, limit int) ([]*model.IOC, int64, error)
	RecentVerified(ctx context.Context, limit int) ([]*model.IOC, int64, error)
	Reporters(ctx context.Context, id string) ([]model.IOCReport, error)
	Verified() <-chan *model.IOC
	Digest() *intel.Digest
}

// TrustService is the trust surface the hub drives.
type TrustService interface {
	Get(ctx context.Context, clientID string) (*model.TrustScore, error)
	RegisterHeartbeat(ctx context.Context, clientID string, at time.Time) error
}

// PresenceStore persists online flags and sync cursors across
// coordinator restarts. Optional; the hub keeps both in memory too.
type PresenceStore interface {
	SetOnline(ctx context.Context, clientID string, online bool) error
	SaveCursor(ctx context.Context, clientID string, cursor int64) error
	LoadCursor(ctx context.Context, clientID string) (int64, error)
}

// VerifiedMirror receives every verification event, best-effort, for
// downstream systems (message bus, search index).
type VerifiedMirror interface {
	PublishVerified(ctx context.Context, ioc *model.IOC) error
}

// Authorizer is the connect-time auth hook. The default admits every
// client; deployments plug their own.
type Authorizer func(clientID, token string) error

// Hub is the distribution fabric.
type Hub struct {
	cfg       config.FabricConfig
	intel     IntelService
	trust     TrustService
	presence  PresenceStore
	mirrors   []VerifiedMirror
	authorize Authorizer
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	profiles map[string]*model.ClientProfile
	cursors  map[string]int64
}

// NewHub wires the fabric over the aggregator and trust manager.
func NewHub(cfg config.FabricConfig, intelSvc IntelService, trustSvc TrustService, logger *zap.Logger) *Hub {
	return &Hub{
		cfg:       cfg,
		intel:     intelSvc,
		trust:     trustSvc,
		authorize: func(string, string) error { return nil },
		logger:    logger,
		sessions:  make(map[string]*Session),
		profiles:  make(map[string]*model.ClientProfile),
		cursors:   make(map[string]int64),
	}
}

// SetAuthorizer installs the connect-time auth hook.
func (h *Hub) SetAuthorizer(a Authorizer) {
	if a != nil {
		h.authorize = a
	}
}

// SetPresenceStore attaches an optional external presence cache.
func (h *Hub) SetPresenceStore(p PresenceStore) {
	h.presence = p
}

// AddMirror attaches a best-effort downstream consumer of verification
// events.
func (h *Hub) AddMirror(m VerifiedMirror) {
	h.mirrors = append(h.mirrors, m)
}

// Run drains the aggregator's verification events and fans them out
// until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ioc := <-h.intel.Verified():
			h.broadcastVerified(ctx, ioc)
		}
	}
}

// HandleConn owns one client connection: registration handshake, then
// the inbound event loop until the peer goes away. Each connection runs
// on its own goroutine, so distinct clients proceed in parallel.
func (h *Hub) HandleConn(ctx context.Context, conn Conn) {
	var env model.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		_ = conn.Close()
		return
	}
	if env.Event != model.EventRegister {
		h.refuse(conn, "first event must be register")
		return
	}
	var reg model.RegisterPayload
	if err := json.Unmarshal(env.Data, &reg); err != nil || reg.ClientID == "" {
		h.refuse(conn, "malformed register payload")
		return
	}
	if err := h.authorize(reg.ClientID, reg.Token); err != nil {
		h.refuse(conn, "unauthorized")
		return
	}

	session, trustValue, err := h.register(ctx, reg, conn)
	if err != nil {
		h.refuse(conn, "registration failed")
		return
	}
	h.logger.Info("client connected",
		util.String("client_id", reg.ClientID),
		util.String("hostname", reg.Hostname),
		util.Float64("trust", trustValue),
	)

	h.readLoop(ctx, session)
	h.disconnect(ctx, session)
}

// register creates the session, sends the registration ack plus the
// initial intel snapshot, and announces the client to the fleet.
func (h *Hub) register(ctx context.Context, reg model.RegisterPayload, conn Conn) (*Session, float64, error) {
	now := time.Now().UTC()
	if err := h.trust.RegisterHeartbeat(ctx, reg.ClientID, now); err != nil {
		return nil, 0, err
	}
	score, err := h.trust.Get(ctx, reg.ClientID)
	if err != nil {
		return nil, 0, err
	}

	session := newSession(reg.ClientID, conn, h.cfg.OutboundQueueSize)

	h.mu.Lock()
	if old, ok := h.sessions[reg.ClientID]; ok {
		old.Close()
	}
	h.sessions[reg.ClientID] = session
	profile, ok := h.profiles[reg.ClientID]
	if !ok {
		profile = &model.ClientProfile{ClientID: reg.ClientID}
		h.profiles[reg.ClientID] = profile
	}
	profile.Hostname = reg.Hostname
	profile.Version = reg.Version
	profile.Online = true
	profile.Status = "online"
	profile.ConnectedAt = now
	cursor := h.loadCursor(ctx, reg.ClientID)
	h.mu.Unlock()

	if err := session.send(model.EventRegistered, map[string]any{
		"client_id": reg.ClientID,
		"trust":     score.Value,
		"status":    "registered",
	}, false); err != nil {
		session.Close()
		return nil, 0, err
	}

	if err := h.sendSnapshot(ctx, session, cursor); err != nil {
		h.logger.Warn("initial snapshot failed",
			util.String("client_id", reg.ClientID), util.ErrorField(err))
	}

	h.markPresence(ctx, reg.ClientID, true)
	h.broadcastStatus(reg.ClientID, true, score.Value)
	return session, score.Value, nil
}

// readLoop dispatches inbound events until the connection drops. Every
// event is processed to completion, under the handler deadline, before
// its acknowledgement goes out.
func (h *Hub) readLoop(ctx context.Context, session *Session) {
	for {
		select {
		case <-session.Done():
			return
		case <-ctx.Done():
			return
		default:
		}

		var env model.Envelope
		if err := session.conn.ReadJSON(&env); err != nil {
			return
		}

		hctx, cancel := context.WithTimeout(ctx, h.cfg.HandlerTimeout)
		h.dispatch(hctx, session, env)
		cancel()
	}
}

func (h *Hub) dispatch(ctx context.Context, session *Session, env model.Envelope) {
	switch env.Event {
	case model.EventHeartbeat:
		var hb model.HeartbeatPayload
		if err := json.Unmarshal(env.Data, &hb); err != nil {
			return
		}
		h.handleHeartbeat(ctx, session, hb)

	case model.EventReportThreat:
		var report model.ReportPayload
		if err := json.Unmarshal(env.Data, &report); err != nil {
			_ = session.send(model.EventReportNack, model.ReportNackPayload{Error: "bad_request"}, false)
			return
		}
		h.handleReport(ctx, session, report)

	case model.EventSyncRequest:
		var req model.SyncRequestPayload
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return
		}
		h.saveCursor(ctx, session.ClientID, req.Cursor)
		if err := h.sendSync(ctx, session, req.Cursor); err != nil {
			h.logger.Warn("sync failed",
				util.String("client_id", session.ClientID), util.ErrorField(err))
		}

	default:
		h.logger.Debug("unknown inbound event",
			util.String("client_id", session.ClientID),
			util.String("event", env.Event),
		)
	}
}

func (h *Hub) handleHeartbeat(ctx context.Context, session *Session, hb model.HeartbeatPayload) {
	at := hb.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	session.touch(at)
	if err := h.trust.RegisterHeartbeat(ctx, session.ClientID, at); err != nil {
		h.logger.Warn("heartbeat update failed",
			util.String("client_id", session.ClientID), util.ErrorField(err))
	}
	if hb.Status != "" {
		h.mu.Lock()
		if profile, ok := h.profiles[session.ClientID]; ok {
			profile.Status = hb.Status
		}
		h.mu.Unlock()
	}
}

func (h *Hub) handleReport(ctx context.Context, session *Session, report model.ReportPayload) {
	// The session identity wins over whatever the payload claims.
	result, err := h.intel.Submit(ctx, session.ClientID, report.IOC)
	if err != nil {
		reason := "internal"
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			reason = "timeout"
		case isBadRequest(err):
			reason = "bad_request"
		}
		_ = session.send(model.EventReportNack, model.ReportNackPayload{Error: reason}, false)
		return
	}

	h.mu.Lock()
	if profile, ok := h.profiles[session.ClientID]; ok {
		profile.IOCsReported++
	}
	h.mu.Unlock()

	// The verification broadcast (when consensus fired) travels through
	// Run; the sender always gets its ack here.
	_ = session.send(model.EventReportAck, model.ReportAckPayload{
		IOCID:  result.IOCID,
		Status: result.Status,
	}, false)
}

// sendSnapshot serves the connect-time catch-up: verified IOCs past
// the known cursor, or the most recent window for a client the
// coordinator has never synced.
func (h *Hub) sendSnapshot(ctx context.Context, session *Session, cursor int64) error {
	if cursor == 0 {
		iocs, next, err := h.intel.RecentVerified(ctx, h.cfg.SnapshotLimit)
		if err != nil {
			return err
		}
		return h.deliverSync(ctx, session, iocs, next)
	}
	return h.sendSync(ctx, session, cursor)
}

// sendSync ships verified IOCs past the cursor plus the bloom digest.
func (h *Hub) sendSync(ctx context.Context, session *Session, cursor int64) error {
	iocs, next, err := h.intel.PullSince(ctx, cursor, h.cfg.SnapshotLimit)
	if err != nil {
		return err
	}
	return h.deliverSync(ctx, session, iocs, next)
}

func (h *Hub) deliverSync(ctx context.Context, session *Session, iocs []*model.IOC, next int64) error {
	digest, err := h.intel.Digest().Serialize()
	if err != nil {
		return err
	}
	if err := session.send(model.EventSyncResponse, model.SyncResponsePayload{
		IOCs:   iocs,
		Cursor: next,
		Digest: digest,
	}, false); err != nil {
		h.closeOverflowing(session, err)
		return err
	}
	h.saveCursor(ctx, session.ClientID, next)
	return nil
}

// broadcastVerified fans a verification event out to every live
// session and mirrors it downstream. Queue overflow on an undroppable
// event closes that session; the client re-syncs on reconnect.
func (h *Hub) broadcastVerified(ctx context.Context, ioc *model.IOC) {
	payload := model.IOCVerifiedPayload{IOC: ioc}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	accepted := make([]string, 0, len(targets))
	for _, session := range targets {
		if err := session.send(model.EventIOCVerified, payload, false); err != nil {
			h.closeOverflowing(session, err)
			continue
		}
		accepted = append(accepted, session.ClientID)
	}

	if reporters, err := h.intel.Reporters(ctx, ioc.ID); err == nil {
		h.mu.Lock()
		for _, rep := range reporters {
			if profile, ok := h.profiles[rep.ClientID]; ok {
				profile.IOCsVerified++
			}
		}
		h.mu.Unlock()
	}

	for _, mirror := range h.mirrors {
		if err := mirror.PublishVerified(ctx, ioc); err != nil {
			h.logger.Warn("verified mirror failed",
				util.String("ioc_id", ioc.ID), util.ErrorField(err))
		}
	}

	// Advance the cursor of each client whose session accepted the event:
	// a delivered event covers the gap a later sync_request would
	// otherwise replay. A session closed on overflow keeps its old cursor,
	// so its reconnect sync still returns this IOC.
	if ioc.VerifiedAt != nil {
		h.mu.Lock()
		for _, id := range accepted {
			if h.cursors[id] < ioc.VerifiedAt.Unix() {
				h.cursors[id] = ioc.VerifiedAt.Unix()
			}
		}
		h.mu.Unlock()
	}
}

// broadcastStatus fans a client presence change out to the fleet.
// Status events are droppable under back-pressure.
func (h *Hub) broadcastStatus(clientID string, online bool, trustValue float64) {
	payload := model.ClientStatusPayload{ClientID: clientID, Online: online, Trust: trustValue}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, session := range h.sessions {
		_ = session.send(model.EventClientStatus, payload, true)
	}
}

// disconnect marks the client offline and keeps its cursor for the
// next sync.
func (h *Hub) disconnect(ctx context.Context, session *Session) {
	session.Close()

	h.mu.Lock()
	if current, ok := h.sessions[session.ClientID]; ok && current == session {
		delete(h.sessions, session.ClientID)
	}
	if profile, ok := h.profiles[session.ClientID]; ok {
		profile.Online = false
		profile.Status = "offline"
	}
	h.mu.Unlock()

	h.markPresence(ctx, session.ClientID, false)

	trustValue := 0.0
	if score, err := h.trust.Get(ctx, session.ClientID); err == nil {
		trustValue = score.Value
	}
	h.broadcastStatus(session.ClientID, false, trustValue)
	h.logger.Info("client disconnected", util.String("client_id", session.ClientID))
}

// ReapStale closes sessions whose heartbeat is older than three
// intervals. The scheduler calls this periodically.
func (h *Hub) ReapStale(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-3 * h.cfg.HeartbeatInterval)

	h.mu.RLock()
	stale := make([]*Session, 0)
	for _, session := range h.sessions {
		if session.lastHeartbeat().Before(cutoff) {
			stale = append(stale, session)
		}
	}
	h.mu.RUnlock()

	for _, session := range stale {
		h.logger.Info("reaping silent client", util.String("client_id", session.ClientID))
		h.disconnect(ctx, session)
	}
	return len(stale)
}

// Profiles returns a copy of every known client profile.
func (h *Hub) Profiles() []*model.ClientProfile {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*model.ClientProfile, 0, len(h.profiles))
	for _, p := range h.profiles {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// OnlineCount returns the number of live sessions.
func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ---- internals ----

func (h *Hub) closeOverflowing(session *Session, err error) {
	if errors.Is(err, errQueueFull) || errors.Is(err, errQueueClosed) {
		h.logger.Warn("closing session on queue overflow",
			util.String("client_id", session.ClientID))
		session.Close()
	}
}

func (h *Hub) refuse(conn Conn, reason string) {
	env, err := model.NewEnvelope(model.EventError, map[string]string{"message": reason})
	if err == nil {
		_ = conn.WriteJSON(env)
	}
	_ = conn.Close()
}

func (h *Hub) loadCursor(ctx context.Context, clientID string) int64 {
	if cursor, ok := h.cursors[clientID]; ok {
		return cursor
	}
	if h.presence != nil {
		if cursor, err := h.presence.LoadCursor(ctx, clientID); err == nil && cursor > 0 {
			h.cursors[clientID] = cursor
			return cursor
		}
	}
	return 0
}

func (h *Hub) saveCursor(ctx context.Context, clientID string, cursor int64) {
	h.mu.Lock()
	if cursor > h.cursors[clientID] {
		h.cursors[clientID] = cursor
	} else {
		cursor = h.cursors[clientID]
	}
	h.mu.Unlock()

	if h.presence != nil {
		if err := h.presence.SaveCursor(ctx, clientID, cursor); err != nil {
			h.logger.Debug("cursor persist failed",
				util.String("client_id", clientID), util.ErrorField(err))
		}
	}
}

func (h *Hub) markPresence(ctx context.Context, clientID string, online bool) {
	if h.presence == nil {
		return
	}
	if err := h.presence.SetOnline(ctx, clientID, online); err != nil {
		h.logger.Debug("presence update failed",
			util.String("client_id", clientID), util.ErrorField(err))
	}
}

func isBadRequest(err error) bool {
	return errors.Is(err, model.ErrMissingType) ||
		errors.Is(err, model.ErrMissingValue) ||
		errors.Is(err, model.ErrUnknownType) ||
		errors.Is(err, model.ErrUnknownLevel) ||
		errors.Is(err, model.ErrInvalidValue) ||
		errors.Is(err, model.ErrMissingClient)
}
