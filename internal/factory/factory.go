// Package factory wires the coordinator's components together and owns
// their lifecycle.
package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"threatnet-coordinator/internal/client"
	"threatnet-coordinator/internal/config"
	"threatnet-coordinator/internal/fabric"
	"threatnet-coordinator/internal/intel"
	"threatnet-coordinator/internal/scheduler"
	"threatnet-coordinator/internal/store/sqlite"
	tlsmgr "threatnet-coordinator/internal/tls"
	"threatnet-coordinator/internal/trust"
	"threatnet-coordinator/internal/util"
)

// Factory manages the lifecycle of all coordinator dependencies.
type Factory struct {
	config     *config.Config
	tlsManager *tlsmgr.Manager

	store      *sqlite.Store
	trustMgr   *trust.Manager
	outcomes   *trust.OutcomeQueue
	aggregator *intel.Aggregator
	hub        *fabric.Hub
	sched      *scheduler.Scheduler

	// Optional integrations; nil when not configured or unreachable.
	intelPublisher *client.IntelPublisher
	auditSink      *client.TrustAuditSink
	presenceCache  *client.PresenceCache
	iocIndexer     *client.IOCIndexer

	closeOnce sync.Once
}

// NewFactory loads configuration and initializes every component. Core
// components (store, trust, aggregator, fabric) are required; the
// external integrations degrade gracefully when absent.
func NewFactory() (*Factory, error) {
	cfg := config.Load()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{config: cfg}

	if cfg.Server.EnableTLS {
		f.tlsManager = tlsmgr.NewManager(&tlsmgr.Config{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := sqlite.Open(ctx, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	f.store = st
	version, err := st.SchemaVersion(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	util.Info("store opened",
		util.String("path", cfg.Store.Path),
		util.Int("schema_version", version),
	)

	f.trustMgr = trust.NewManager(cfg.Trust, st, util.Get())
	f.outcomes = trust.NewOutcomeQueue(4096)
	f.aggregator = intel.NewAggregator(cfg.Consensus, st, f.trustMgr, f.outcomes, util.Get())
	if err := f.aggregator.Bootstrap(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("bootstrap aggregator: %w", err)
	}
	f.hub = fabric.NewHub(cfg.Fabric, f.aggregator, f.trustMgr, util.Get())

	f.initializeIntegrations()

	sched, err := scheduler.New(cfg.Scheduler, f.trustMgr, f.aggregator, f.hub, util.Get())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	f.sched = sched

	util.Info("factory initialized",
		util.String("environment", cfg.Environment),
		util.Bool("kafka_enabled", f.intelPublisher != nil),
		util.Bool("clickhouse_enabled", f.auditSink != nil),
		util.Bool("redis_enabled", f.presenceCache != nil),
		util.Bool("elasticsearch_enabled", f.iocIndexer != nil),
	)
	return f, nil
}

// initializeIntegrations attaches the optional external systems,
// proceeding without any that fail.
func (f *Factory) initializeIntegrations() {
	cfg := f.config

	if len(cfg.Kafka.Brokers) > 0 {
		if publisher, err := client.NewIntelPublisher(cfg, util.Get()); err != nil {
			util.Warn("Kafka initialization failed - proceeding without intel publishing", util.ErrorField(err))
		} else {
			f.intelPublisher = publisher
			f.hub.AddMirror(publisher)
		}
	}

	if cfg.ClickHouse.URL != "" {
		if sink, err := client.NewTrustAuditSink(cfg, util.Get()); err != nil {
			util.Warn("ClickHouse initialization failed - proceeding without audit mirroring", util.ErrorField(err))
		} else {
			f.auditSink = sink
			f.trustMgr.SetAuditSink(sink)
		}
	}

	if cfg.Redis.URL != "" {
		if cache, err := client.NewPresenceCache(cfg, util.Get()); err != nil {
			util.Warn("Redis initialization failed - proceeding without presence cache", util.ErrorField(err))
		} else {
			f.presenceCache = cache
			f.hub.SetPresenceStore(cache)
		}
	}

	if cfg.Elastic.URL != "" {
		if indexer, err := client.NewIOCIndexer(cfg, util.Get()); err != nil {
			util.Warn("Elasticsearch initialization failed - proceeding without IOC indexing", util.ErrorField(err))
		} else {
			f.iocIndexer = indexer
			f.hub.AddMirror(indexer)
		}
	}
}

func (f *Factory) Config() *config.Config          { return f.config }
func (f *Factory) TLSManager() *tlsmgr.Manager     { return f.tlsManager }
func (f *Factory) TrustManager() *trust.Manager    { return f.trustMgr }
func (f *Factory) OutcomeQueue() *trust.OutcomeQueue { return f.outcomes }
func (f *Factory) Aggregator() *intel.Aggregator   { return f.aggregator }
func (f *Factory) Hub() *fabric.Hub                { return f.hub }
func (f *Factory) Scheduler() *scheduler.Scheduler { return f.sched }

// Close shuts every dependency down, once.
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		if f.sched != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = f.sched.Stop(ctx)
			cancel()
		}
		if f.intelPublisher != nil {
			_ = f.intelPublisher.Close()
		}
		if f.auditSink != nil {
			_ = f.auditSink.Close()
		}
		if f.presenceCache != nil {
			_ = f.presenceCache.Close()
		}
		if f.store != nil {
			if err := f.store.Close(); err != nil {
				util.Error("failed to close store", util.ErrorField(err))
			}
		}
		util.Sync()
	})
}
