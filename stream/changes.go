// Package stream provides DynamoDB Streams handlers that feed change
// notifications.
package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/shardwise/internal/shard"
)

// Publisher receives the shard-key values touched by a batch of stream
// records. *store.Event implements it.
type Publisher interface {
	Publish(ctx context.Context, shards []string) error
}

// Handler turns DynamoDB stream records into shard change notifications.
type Handler struct {
	publisher Publisher
	shardKey  string
	logger    *slog.Logger
}

// NewHandler creates a new stream handler for a table sharded on shardKey.
func NewHandler(publisher Publisher, shardKey string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		publisher: publisher,
		shardKey:  shardKey,
		logger:    logger,
	}
}

// HandleShardChanges publishes the shard-key values of every record in event
// once, deduplicated in record order. Inserted and modified records are read
// from their new image, removed records from their old image. A modified
// record that moved between shards reports both.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleShardChanges(ctx context.Context, event events.DynamoDBEvent) error {
	var shards []string
	for _, record := range event.Records {
		shards = append(shards, h.processRecord(record)...)
	}
	shards = shard.Dedup(shards)
	if len(shards) == 0 {
		return nil
	}

	h.logger.Info("publishing shard changes",
		"records", len(event.Records),
		"shards", len(shards),
	)
	if err := h.publisher.Publish(ctx, shards); err != nil {
		h.logger.Error("failed to publish shard changes",
			"shards", shards,
			"error", err,
		)
		return fmt.Errorf("publish shard changes: %w", err) // Will retry, eventually DLQ
	}
	return nil
}

// processRecord returns the shard-key values a single record touched.
func (h *Handler) processRecord(record events.DynamoDBEventRecord) []string {
	var images []map[string]events.DynamoDBAttributeValue
	switch events.DynamoDBOperationType(record.EventName) {
	case events.DynamoDBOperationTypeInsert:
		images = append(images, record.Change.NewImage)
	case events.DynamoDBOperationTypeModify:
		images = append(images, record.Change.NewImage, record.Change.OldImage)
	case events.DynamoDBOperationTypeRemove:
		images = append(images, record.Change.OldImage)
	default:
		return nil
	}

	var shards []string
	for _, image := range images {
		if s := getStringAttr(image, h.shardKey); s != "" {
			shards = append(shards, s)
		}
	}
	if len(shards) == 0 {
		h.logger.Warn("stream record carries no shard key",
			"eventID", record.EventID,
			"eventName", record.EventName,
			"id", getStringAttr(record.Change.Keys, "_id"),
		)
	}
	return shards
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
// Attributes of other types read as "".
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}
