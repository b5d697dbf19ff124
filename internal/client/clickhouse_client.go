package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"threatnet-coordinator/internal/config"
	"threatnet-coordinator/internal/model"
	"threatnet-coordinator/internal/util"
)

// TrustAuditSink mirrors the append-only trust audit into ClickHouse
// for long-horizon reputation analytics. The SQLite store stays the
// source of truth; this sink is best-effort.
type TrustAuditSink struct {
	conn   driver.Conn
	table  string
	logger *zap.Logger
}

// NewTrustAuditSink connects to ClickHouse and ensures the audit table.
func NewTrustAuditSink(cfg *config.Config, logger *zap.Logger) (*TrustAuditSink, error) {
	chCfg := cfg.ClickHouse
	if chCfg.URL == "" {
		return nil, fmt.Errorf("no clickhouse url configured")
	}

	host, err := extractHostPort(chCfg.URL)
	if err != nil {
		return nil, err
	}

	conn, err := ch.Open(&ch.Options{
		Addr: []string{host},
		Auth: ch.Auth{
			Username: chCfg.Username,
			Password: chCfg.Password,
			Database: chCfg.Database,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	sink := &TrustAuditSink{conn: conn, table: "trust_events_audit", logger: logger}
	if err := sink.ensureTable(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	util.Info("ClickHouse trust audit sink initialized",
		zap.String("url", chCfg.URL),
		zap.String("database", chCfg.Database),
	)
	return sink, nil
}

func (s *TrustAuditSink) ensureTable(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			client_id String,
			at        DateTime,
			delta     Float64,
			reason    LowCardinality(String)
		) ENGINE = MergeTree()
		ORDER BY (client_id, at)
	`)
	if err != nil {
		return fmt.Errorf("ensure audit table: %w", err)
	}
	return nil
}

// Append mirrors one trust event.
func (s *TrustAuditSink) Append(ctx context.Context, event model.TrustEvent) error {
	err := s.conn.Exec(ctx,
		`INSERT INTO `+s.table+` (client_id, at, delta, reason) VALUES (?, ?, ?, ?)`,
		event.ClientID, event.At, event.Delta, string(event.Reason))
	if err != nil {
		return fmt.Errorf("append trust audit event: %w", err)
	}
	return nil
}

func (s *TrustAuditSink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// extractHostPort pulls host:port out of a clickhouse:// or tcp:// URL,
// accepting bare host:port too.
func extractHostPort(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("unparseable clickhouse url %q", raw)
	}
	return u.Host, nil
}
