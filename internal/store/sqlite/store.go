package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"threatnet-coordinator/internal/model"
	"threatnet-coordinator/internal/store"
)

// ErrNotFound aliases the shared sentinel for lookups that match no row.
var ErrNotFound = store.ErrNotFound

// Store wraps the single SQLite file that holds IOCs, reporter
// provenance, trust scores and the trust audit log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the store file and migrates it to
// the built-in schema version.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	// Single writer; SQLite serializes writes anyway and the per-row
	// locks above this layer keep transactions short.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if err := NewMigrator(db).Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the migrated schema version of the open store.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return NewMigrator(s.db).version(ctx)
}

// ---- IOC table ----

const iocColumns = `ioc_id, ioc_type, value, threat_level, status, first_seen, last_seen, report_count, verified_at, metadata`

func (s *Store) GetIOC(ctx context.Context, id string) (*model.IOC, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+iocColumns+` FROM iocs WHERE ioc_id = ?`, id)
	ioc, err := scanIOC(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query ioc %s: %w", id, err)
	}
	return ioc, nil
}

// CreateIOCWithReport inserts a fresh pending IOC and its first report
// atomically.
func (s *Store) CreateIOCWithReport(ctx context.Context, ioc *model.IOC, rep *model.IOCReport) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		meta, err := encodeMetadata(ioc.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO iocs(`+iocColumns+`)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ioc.ID, string(ioc.Type), ioc.Value, string(ioc.ThreatLevel), string(ioc.Status),
			ioc.FirstSeen.Unix(), ioc.LastSeen.Unix(), ioc.ReportCount,
			nullUnix(ioc.VerifiedAt), meta); err != nil {
			return fmt.Errorf("insert ioc %s: %w", ioc.ID, err)
		}
		return insertReport(ctx, tx, rep)
	})
}

// UpdateIOCWithReport rewrites the IOC row and upserts the given report
// in one transaction. The read-modify-write happens above this layer
// under the per-ioc lock; the transaction makes the pair atomic.
func (s *Store) UpdateIOCWithReport(ctx context.Context, ioc *model.IOC, rep *model.IOCReport) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateIOC(ctx, tx, ioc); err != nil {
			return err
		}
		if rep != nil {
			return insertReport(ctx, tx, rep)
		}
		return nil
	})
}

func (s *Store) UpdateIOC(ctx context.Context, ioc *model.IOC) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return updateIOC(ctx, tx, ioc)
	})
}

func updateIOC(ctx context.Context, tx *sql.Tx, ioc *model.IOC) error {
	meta, err := encodeMetadata(ioc.Metadata)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE iocs SET threat_level=?, status=?, last_seen=?, report_count=?, verified_at=?, metadata=?
		WHERE ioc_id=?
	`, string(ioc.ThreatLevel), string(ioc.Status), ioc.LastSeen.Unix(),
		ioc.ReportCount, nullUnix(ioc.VerifiedAt), meta, ioc.ID)
	if err != nil {
		return fmt.Errorf("update ioc %s: %w", ioc.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func insertReport(ctx context.Context, tx *sql.Tx, rep *model.IOCReport) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ioc_reports(ioc_id, client_id, reported_at, last_seen, trust_at_report)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(ioc_id, client_id) DO UPDATE SET last_seen=excluded.last_seen
	`, rep.IOCID, rep.ClientID, rep.ReportedAt.Unix(), rep.LastSeen.Unix(), rep.TrustAtReport)
	if err != nil {
		return fmt.Errorf("upsert report %s/%s: %w", rep.IOCID, rep.ClientID, err)
	}
	return nil
}

func (s *Store) GetReport(ctx context.Context, iocID, clientID string) (*model.IOCReport, error) {
	rep := &model.IOCReport{IOCID: iocID, ClientID: clientID}
	var reported, seen int64
	err := s.db.QueryRowContext(ctx, `
		SELECT reported_at, last_seen, trust_at_report
		FROM ioc_reports WHERE ioc_id = ? AND client_id = ?
	`, iocID, clientID).Scan(&reported, &seen, &rep.TrustAtReport)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query report %s/%s: %w", iocID, clientID, err)
	}
	rep.ReportedAt = time.Unix(reported, 0).UTC()
	rep.LastSeen = time.Unix(seen, 0).UTC()
	return rep, nil
}

// ListReporters returns every distinct reporter of an IOC.
func (s *Store) ListReporters(ctx context.Context, iocID string) ([]model.IOCReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, reported_at, last_seen, trust_at_report
		FROM ioc_reports WHERE ioc_id = ? ORDER BY reported_at ASC
	`, iocID)
	if err != nil {
		return nil, fmt.Errorf("query reporters %s: %w", iocID, err)
	}
	defer rows.Close()

	var out []model.IOCReport
	for rows.Next() {
		rep := model.IOCReport{IOCID: iocID}
		var reported, seen int64
		if err := rows.Scan(&rep.ClientID, &reported, &seen, &rep.TrustAtReport); err != nil {
			return nil, fmt.Errorf("scan reporter: %w", err)
		}
		rep.ReportedAt = time.Unix(reported, 0).UTC()
		rep.LastSeen = time.Unix(seen, 0).UTC()
		out = append(out, rep)
	}
	return out, rows.Err()
}

// QueryIOCs lists IOCs matching the filter, newest first.
func (s *Store) QueryIOCs(ctx context.Context, f model.QueryFilter, limit int) ([]*model.IOC, error) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		conds = append(conds, "ioc_type = ?")
		args = append(args, string(f.Type))
	}
	if f.ThreatLevel != "" {
		conds = append(conds, "threat_level = ?")
		args = append(args, string(f.ThreatLevel))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "last_seen >= ?")
		args = append(args, f.Since.Unix())
	}

	query := `SELECT ` + iocColumns + ` FROM iocs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY last_seen DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return s.queryIOCs(ctx, query, args...)
}

// PullVerifiedSince returns verified IOCs with verified_at strictly
// after the cursor, oldest first so clients can advance monotonically.
func (s *Store) PullVerifiedSince(ctx context.Context, cursor int64, limit int) ([]*model.IOC, error) {
	query := `SELECT ` + iocColumns + ` FROM iocs
		WHERE status = 'verified' AND verified_at > ?
		ORDER BY verified_at ASC, ioc_id ASC`
	args := []any{cursor}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryIOCs(ctx, query, args...)
}

// ListRecentVerified returns the newest verified IOCs, oldest first,
// for the initial snapshot sent to clients with no known cursor.
func (s *Store) ListRecentVerified(ctx context.Context, limit int) ([]*model.IOC, error) {
	if limit <= 0 {
		limit = 1000
	}
	iocs, err := s.queryIOCs(ctx, `SELECT `+iocColumns+` FROM iocs
		WHERE status = 'verified'
		ORDER BY verified_at DESC, ioc_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(iocs)-1; i < j; i, j = i+1, j-1 {
		iocs[i], iocs[j] = iocs[j], iocs[i]
	}
	return iocs, nil
}

// ListStalePending returns pending IOCs whose last_seen is before the
// given cutoff. The sweep expires them one by one under the row lock.
func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time) ([]*model.IOC, error) {
	return s.queryIOCs(ctx, `SELECT `+iocColumns+` FROM iocs
		WHERE status = 'pending' AND last_seen < ?
		ORDER BY last_seen ASC`, cutoff.Unix())
}

// ListVerifiedIDs streams all verified ids, used to rebuild the bloom
// digest at startup.
func (s *Store) ListVerifiedIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ioc_id FROM iocs WHERE status = 'verified'`)
	if err != nil {
		return nil, fmt.Errorf("query verified ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan verified id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountIOCsByStatus aggregates the lifecycle distribution for /status.
func (s *Store) CountIOCsByStatus(ctx context.Context) (map[model.IOCStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM iocs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count iocs: %w", err)
	}
	defer rows.Close()

	out := make(map[model.IOCStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[model.IOCStatus(status)] = n
	}
	return out, rows.Err()
}

// CountVerifiedByLevel aggregates verified IOCs per threat level.
func (s *Store) CountVerifiedByLevel(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT threat_level, COUNT(*) FROM iocs WHERE status = 'verified' GROUP BY threat_level`)
	if err != nil {
		return nil, fmt.Errorf("count verified by level: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var level string
		var n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("scan level count: %w", err)
		}
		out[level] = n
	}
	return out, rows.Err()
}

func (s *Store) queryIOCs(ctx context.Context, query string, args ...any) ([]*model.IOC, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query iocs: %w", err)
	}
	defer rows.Close()

	var out []*model.IOC
	for rows.Next() {
		ioc, err := scanIOC(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ioc: %w", err)
		}
		out = append(out, ioc)
	}
	return out, rows.Err()
}

// ---- trust tables ----

// GetTrust loads one trust row.
func (s *Store) GetTrust(ctx context.Context, clientID string) (*model.TrustScore, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, value, reports_total, reports_accepted, reports_rejected,
		       last_heartbeat_at, last_updated_at, created_at
		FROM trust_scores WHERE client_id = ?
	`, clientID)
	score, err := scanTrust(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query trust %s: %w", clientID, err)
	}
	return score, nil
}

// SaveTrust upserts a trust row and, when event is non-nil, appends the
// matching audit entry in the same transaction.
func (s *Store) SaveTrust(ctx context.Context, score *model.TrustScore, event *model.TrustEvent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trust_scores(client_id, value, reports_total, reports_accepted,
				reports_rejected, last_heartbeat_at, last_updated_at, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(client_id) DO UPDATE SET
				value=excluded.value,
				reports_total=excluded.reports_total,
				reports_accepted=excluded.reports_accepted,
				reports_rejected=excluded.reports_rejected,
				last_heartbeat_at=excluded.last_heartbeat_at,
				last_updated_at=excluded.last_updated_at
		`, score.ClientID, score.Value, score.ReportsTotal, score.ReportsAccepted,
			score.ReportsRejected, score.LastHeartbeatAt.Unix(),
			score.LastUpdatedAt.Unix(), score.CreatedAt.Unix()); err != nil {
			return fmt.Errorf("upsert trust %s: %w", score.ClientID, err)
		}
		if event != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO trust_events(client_id, at, delta, reason)
				VALUES(?, ?, ?, ?)
			`, event.ClientID, event.At.Unix(), event.Delta, string(event.Reason)); err != nil {
				return fmt.Errorf("append trust event %s: %w", event.ClientID, err)
			}
		}
		return nil
	})
}

// ListTrust returns every trust row.
func (s *Store) ListTrust(ctx context.Context) ([]*model.TrustScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, value, reports_total, reports_accepted, reports_rejected,
		       last_heartbeat_at, last_updated_at, created_at
		FROM trust_scores ORDER BY client_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query trust scores: %w", err)
	}
	defer rows.Close()

	var out []*model.TrustScore
	for rows.Next() {
		score, err := scanTrust(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trust: %w", err)
		}
		out = append(out, score)
	}
	return out, rows.Err()
}

// TrustHistory returns the newest audit entries for one client.
func (s *Store) TrustHistory(ctx context.Context, clientID string, limit int) ([]model.TrustEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, at, delta, reason FROM trust_events
		WHERE client_id = ? ORDER BY id DESC LIMIT ?
	`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trust history %s: %w", clientID, err)
	}
	defer rows.Close()

	var out []model.TrustEvent
	for rows.Next() {
		var ev model.TrustEvent
		var at int64
		var reason string
		if err := rows.Scan(&ev.ClientID, &at, &ev.Delta, &reason); err != nil {
			return nil, fmt.Errorf("scan trust event: %w", err)
		}
		ev.At = time.Unix(at, 0).UTC()
		ev.Reason = model.TrustEventReason(reason)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ---- helpers ----

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanIOC(row scannable) (*model.IOC, error) {
	ioc := &model.IOC{}
	var typ, level, status string
	var firstSeen, lastSeen int64
	var verifiedAt sql.NullInt64
	var meta sql.NullString
	if err := row.Scan(&ioc.ID, &typ, &ioc.Value, &level, &status,
		&firstSeen, &lastSeen, &ioc.ReportCount, &verifiedAt, &meta); err != nil {
		return nil, err
	}
	ioc.Type = model.IOCType(typ)
	ioc.ThreatLevel = model.ThreatLevel(level)
	ioc.Status = model.IOCStatus(status)
	ioc.FirstSeen = time.Unix(firstSeen, 0).UTC()
	ioc.LastSeen = time.Unix(lastSeen, 0).UTC()
	if verifiedAt.Valid {
		at := time.Unix(verifiedAt.Int64, 0).UTC()
		ioc.VerifiedAt = &at
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &ioc.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return ioc, nil
}

func scanTrust(row scannable) (*model.TrustScore, error) {
	score := &model.TrustScore{}
	var heartbeat, updated, created int64
	if err := row.Scan(&score.ClientID, &score.Value, &score.ReportsTotal,
		&score.ReportsAccepted, &score.ReportsRejected,
		&heartbeat, &updated, &created); err != nil {
		return nil, err
	}
	score.LastHeartbeatAt = time.Unix(heartbeat, 0).UTC()
	score.LastUpdatedAt = time.Unix(updated, 0).UTC()
	score.CreatedAt = time.Unix(created, 0).UTC()
	return score, nil
}

func encodeMetadata(meta map[string]string) (sql.NullString, error) {
	if len(meta) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
