package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"example.com/backstage/services/possync/config"
	"example.com/backstage/services/possync/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ElasticClient indexes imported sales documents for the report layer.
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client. When disabled by
// configuration it returns nil without error and indexing is skipped.
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{client: client, config: cfg}, nil
}

// IndexDocument indexes one sales document. The document id is derived
// from the natural key so re-imports overwrite instead of duplicating.
func (c *ElasticClient) IndexDocument(ctx context.Context, doc *models.SalesDocument, outletTitle string) error {
	body := map[string]interface{}{
		"outlet_id":    doc.OutletID.String(),
		"outlet_title": outletTitle,
		"cash_doc_id":  doc.CashDocID,
		"shift_doc_id": doc.ShiftDocID,
		"begin_at":     doc.BeginAt,
		"cashier_name": doc.CashierName,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal sales document")
	}

	req := esapi.IndexRequest{
		Index:      config.FormatIndex(c.config, c.config.Index),
		DocumentID: fmt.Sprintf("%s:%s", doc.OutletID, doc.CashDocID),
		Body:       bytes.NewReader(encoded),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	log.Debug().Str("cash_doc_id", doc.CashDocID).Msg("Sales document indexed")
	return nil
}
