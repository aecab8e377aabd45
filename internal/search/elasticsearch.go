package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/scoring/config"
	"example.com/backstage/services/scoring/internal/eventbus"
	"example.com/backstage/services/scoring/internal/models"
)

// ElasticClient provides integration with Elasticsearch
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

// EventsIndex returns the prefixed index name for the events projection.
func (c *ElasticClient) EventsIndex() string {
	return fmt.Sprintf("%s-events", c.config.Prefix)
}

// IndexEvent indexes a stored event in Elasticsearch
func (c *ElasticClient) IndexEvent(ctx context.Context, event *models.Event) error {
	doc := map[string]interface{}{
		"event_id":       event.EventID,
		"aggregate_id":   event.AggregateID,
		"aggregate_type": event.AggregateType,
		"event_type":     event.EventType,
		"version":        event.Version,
		"status":         event.Status,
		"timestamp":      event.Timestamp,
	}

	if len(event.Payload) > 0 {
		var payload map[string]interface{}
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return errors.Wrap(err, "failed to unmarshal event payload")
		}
		doc["payload"] = payload
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event document")
	}

	req := esapi.IndexRequest{
		Index:      c.EventsIndex(),
		DocumentID: event.EventID,
		Body:       bytes.NewReader(docJSON),
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

	log.Debug().Str("event_id", event.EventID).Msg("Event indexed")
	return nil
}

// SearchEvents searches the events projection with the given criteria
func (c *ElasticClient) SearchEvents(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	res, err := c.client.Search(
		c.client.Search.WithContext(ctx),
		c.client.Search.WithIndex(c.EventsIndex()),
		c.client.Search.WithBody(bytes.NewReader(queryJSON)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search")
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, errors.Errorf("Elasticsearch search error: %s", res.String())
	}

	var body struct {
		Hits struct {
			Hits []struct {
				Source map[string]interface{} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "failed to decode search response")
	}

	results := make([]map[string]interface{}, 0, len(body.Hits.Hits))
	for _, hit := range body.Hits.Hits {
		results = append(results, hit.Source)
	}

	return results, nil
}

// ProjectionHandler returns a wildcard bus handler that indexes every
// published event into the events projection.
func ProjectionHandler(client *ElasticClient) eventbus.Handler {
	return eventbus.NewHandler("elasticsearch-projection", func(ctx context.Context, event *models.Event) error {
		return client.IndexEvent(ctx, event)
	})
}
