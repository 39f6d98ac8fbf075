// Package stream provides DynamoDB Streams handlers keeping the key-value
// backend's secondary indexes consistent with its records.
package stream

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/jacentio/strata/backend/kv"
	"github.com/jacentio/strata/backend/kv/dynamo"
	"github.com/jacentio/strata/orm"
)

// IndexReconciler removes the index entries and unique guards of records
// deleted outside the backend, such as items expired by DynamoDB TTL. The
// table stream must carry old images (OLD_IMAGE or NEW_AND_OLD_IMAGES).
type IndexReconciler struct {
	backend  *kv.Backend
	registry *orm.Registry
	log      zerolog.Logger
}

// NewIndexReconciler creates a reconciler for the records of reg's entities
// stored through backend. backend must be connected.
func NewIndexReconciler(backend *kv.Backend, reg *orm.Registry, logger zerolog.Logger) *IndexReconciler {
	return &IndexReconciler{
		backend:  backend,
		registry: reg,
		log:      logger.With().Str("handler", "index_reconciler").Logger(),
	}
}

// Handle processes a batch of stream records. It is designed to be used as
// an AWS Lambda handler; a failed record fails the batch so it is retried.
func (r *IndexReconciler) Handle(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := r.processRecord(ctx, record); err != nil {
			r.log.Error().Err(err).Str("event_id", record.EventID).Msg("failed to process record")
			return err
		}
	}
	return nil
}

func (r *IndexReconciler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	if record.EventName != string(events.DynamoDBOperationTypeRemove) {
		return nil
	}
	if len(record.Change.OldImage) == 0 {
		r.log.Warn().Str("event_id", record.EventID).Msg("remove record without old image")
		return nil
	}

	entry, ok := dynamo.Decode(ConvertImage(record.Change.OldImage))
	if !ok {
		return nil
	}
	e, ok := r.backend.RecordEntity(r.registry, entry.Key)
	if !ok {
		return nil
	}

	n, err := r.backend.PurgeEntries(ctx, e, entry.Key.Item, entry.Value)
	if err != nil {
		return fmt.Errorf("purge %s %s: %w", e.Name(), entry.Key.Item, err)
	}
	r.log.Info().
		Str("entity", e.FullName()).
		Str("key", entry.Key.Item).
		Int("entries", n).
		Msg("purged index entries")
	return nil
}

// ConvertImage converts a stream image into the attribute values the
// DynamoDB SDK uses.
func ConvertImage(image map[string]events.DynamoDBAttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		if av := convertValue(v); av != nil {
			result[k] = av
		}
	}
	return result
}

func convertValue(v events.DynamoDBAttributeValue) types.AttributeValue {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinarySet()}
	case events.DataTypeList:
		list := make([]types.AttributeValue, 0, len(v.List()))
		for _, item := range v.List() {
			if av := convertValue(item); av != nil {
				list = append(list, av)
			}
		}
		return &types.AttributeValueMemberL{Value: list}
	case events.DataTypeMap:
		return &types.AttributeValueMemberM{Value: ConvertImage(v.Map())}
	}
	return nil
}
