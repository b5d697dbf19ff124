package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"threatnet-coordinator/internal/config"
	"threatnet-coordinator/internal/model"
	"threatnet-coordinator/internal/util"
)

// IOCIndexer mirrors verified IOCs into Elasticsearch so the dashboard
// can search the verified corpus by value, type and threat level.
type IOCIndexer struct {
	es     *elasticsearch.Client
	index  string
	logger *zap.Logger
}

// NewIOCIndexer connects to Elasticsearch and verifies the cluster.
func NewIOCIndexer(cfg *config.Config, logger *zap.Logger) (*IOCIndexer, error) {
	if cfg.Elastic.URL == "" {
		return nil, fmt.Errorf("no elasticsearch url configured")
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.Elastic.URL},
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	res, err := es.Info()
	if err != nil {
		return nil, fmt.Errorf("elasticsearch info: %w", err)
	}
	defer drainAndClose(res.Body)
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch info: %s", res.Status())
	}

	util.Info("Elasticsearch IOC indexer initialized",
		zap.String("url", cfg.Elastic.URL),
		zap.String("index", cfg.Elastic.Index),
	)
	return &IOCIndexer{es: es, index: cfg.Elastic.Index, logger: logger}, nil
}

// PublishVerified indexes one verified IOC, id-keyed so re-broadcasts
// overwrite rather than duplicate.
func (i *IOCIndexer) PublishVerified(ctx context.Context, ioc *model.IOC) error {
	body, err := json.Marshal(ioc)
	if err != nil {
		return fmt.Errorf("encode ioc document: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      i.index,
		DocumentID: ioc.ID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, i.es)
	if err != nil {
		return fmt.Errorf("index ioc %s: %w", ioc.ID, err)
	}
	defer drainAndClose(res.Body)
	if res.IsError() {
		return fmt.Errorf("index ioc %s: %s", ioc.ID, res.Status())
	}
	return nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
