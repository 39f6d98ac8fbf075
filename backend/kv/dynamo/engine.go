// Package dynamo implements the key-value engine on a single DynamoDB table.
//
// Every kv item becomes one DynamoDB item:
//
//	pk  sharded physical partition key (see internal/shard)
//	sk  item name, escaped when empty and hashed when too long
//	p   logical partition, joined with "#"
//	i   original item name
//	v   value bytes
//	n   counter value, for sequence items
//
// Apply maps to TransactWriteItems, so a call is atomic as long as it fits
// in one transaction (Config.MaxTransactItems).
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/jacentio/strata/backend/kv"
	"github.com/jacentio/strata/internal/shard"
)

// keyLimit bounds the length of pk and sk before hashing, well below the
// DynamoDB limits of 2048 and 1024 bytes.
const keyLimit = 512

// Client is the subset of the DynamoDB API used by the engine.
// *dynamodb.Client satisfies it.
type Client interface {
	dynamodb.QueryAPIClient
	dynamodb.ScanAPIClient
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Engine is a kv.Engine backed by DynamoDB.
type Engine struct {
	client Client
	config Config
	log    zerolog.Logger
}

var _ kv.Engine = (*Engine)(nil)

// New creates a new Engine.
func New(client Client, config Config) *Engine {
	config.validate()
	return &Engine{
		client: client,
		config: config,
		log:    config.Logger.With().Str("engine", "dynamodb").Str("table", config.Table).Logger(),
	}
}

// Config returns the validated configuration.
func (e *Engine) Config() Config { return e.config }

// record is the stored shape of a kv item.
type record struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"`
	Partition string `dynamodbav:"p"`
	Item      string `dynamodbav:"i"`
	Value     []byte `dynamodbav:"v,omitempty"`
	Counter   *int64 `dynamodbav:"n,omitempty"`
}

// value returns the kv value of a record. Counters read as decimal strings.
func (r record) value() []byte {
	if r.Value == nil && r.Counter != nil {
		return []byte(strconv.FormatInt(*r.Counter, 10))
	}
	return r.Value
}

// Decode converts a raw DynamoDB item, such as a stream image, into a kv
// entry. It reports false when the item was not written by the engine.
func Decode(item map[string]types.AttributeValue) (kv.Entry, bool) {
	var r record
	if err := attributevalue.UnmarshalMap(item, &r); err != nil || r.Partition == "" {
		return kv.Entry{}, false
	}
	return kv.Entry{
		Key:   kv.Key{Partition: kv.SplitPartition(r.Partition), Item: r.Item},
		Value: r.value(),
	}, true
}

func (e *Engine) physicalPartition(joined string) string {
	return shard.Compact(joined, keyLimit)
}

// sortKey maps an item name to a non-empty sort key. DynamoDB rejects empty
// key attributes, so "" and names starting with a NUL byte get one more.
func sortKey(item string) string {
	if item == "" || item[0] == 0 {
		item = "\x00" + item
	}
	return shard.Compact(item, keyLimit)
}

func (e *Engine) key(k kv.Key) map[string]types.AttributeValue {
	joined := kv.PartitionKey(k.Partition)
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: shard.PartitionKey(e.physicalPartition(joined), k.Item, e.config.NumShards)},
		"sk": &types.AttributeValueMemberS{Value: sortKey(k.Item)},
	}
}

func (e *Engine) item(k kv.Key, value []byte) (map[string]types.AttributeValue, error) {
	joined := kv.PartitionKey(k.Partition)
	if value == nil {
		value = []byte{}
	}
	return attributevalue.MarshalMap(record{
		PK:        shard.PartitionKey(e.physicalPartition(joined), k.Item, e.config.NumShards),
		SK:        sortKey(k.Item),
		Partition: joined,
		Item:      k.Item,
		Value:     value,
	})
}

// Get returns the value stored at k.
func (e *Engine) Get(ctx context.Context, k kv.Key) ([]byte, bool, error) {
	out, err := e.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(e.config.Table),
		Key:            e.key(k),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, err
	}
	if out.Item == nil {
		return nil, false, nil
	}
	var r record
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return nil, false, fmt.Errorf("unmarshal %s: %w", k, err)
	}
	return r.value(), true, nil
}

// List returns every entry of a partition ordered by item.
func (e *Engine) List(ctx context.Context, partition []string) ([]kv.Entry, error) {
	joined := kv.PartitionKey(partition)
	shards := shard.All(e.physicalPartition(joined), e.config.NumShards)

	// Fast path for single shard (default)
	if len(shards) == 1 {
		entries, err := e.queryShard(ctx, shards[0], joined)
		if err != nil {
			return nil, err
		}
		sortEntries(entries)
		return entries, nil
	}

	// Multi-shard fan-out
	var mu sync.Mutex
	var all []kv.Entry
	var wg sync.WaitGroup
	errs := make(chan error, len(shards))

	for shardNum, pk := range shards {
		wg.Add(1)
		go func(shardNum int, pk string) {
			defer wg.Done()

			entries, err := e.queryShard(ctx, pk, joined)
			if err != nil {
				errs <- fmt.Errorf("shard %02x: %w", shardNum, err)
				return
			}

			mu.Lock()
			all = append(all, entries...)
			mu.Unlock()
		}(shardNum, pk)
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	for err := range errs {
		if err != nil {
			return nil, err
		}
	}

	sortEntries(all)
	return all, nil
}

func (e *Engine) queryShard(ctx context.Context, pk, joined string) ([]kv.Entry, error) {
	var entries []kv.Entry
	paginator := dynamodb.NewQueryPaginator(e.client, &dynamodb.QueryInput{
		TableName:              aws.String(e.config.Table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
		ConsistentRead: aws.Bool(true),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			entry, ok := Decode(item)
			// Hashed partitions can collide; keep only exact matches.
			if !ok || kv.PartitionKey(entry.Key.Partition) != joined {
				continue
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Scan returns every entry whose partition equals prefix or extends it
// with a "#" separated suffix. It reads the whole table.
func (e *Engine) Scan(ctx context.Context, prefix []string) ([]kv.Entry, error) {
	joined := kv.PartitionKey(prefix)
	var entries []kv.Entry
	paginator := dynamodb.NewScanPaginator(e.client, &dynamodb.ScanInput{
		TableName:        aws.String(e.config.Table),
		FilterExpression: aws.String("#p = :p OR begins_with(#p, :pp)"),
		ExpressionAttributeNames: map[string]string{
			"#p": "p",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p":  &types.AttributeValueMemberS{Value: joined},
			":pp": &types.AttributeValueMemberS{Value: joined + "#"},
		},
		ConsistentRead: aws.Bool(true),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if entry, ok := Decode(item); ok {
				entries = append(entries, entry)
			}
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		pi, pj := kv.PartitionKey(entries[i].Key.Partition), kv.PartitionKey(entries[j].Key.Partition)
		if pi != pj {
			return pi < pj
		}
		return entries[i].Key.Item < entries[j].Key.Item
	})
	return entries, nil
}

// pending is one collapsed mutation and the index of its first occurrence.
type pending struct {
	mut   kv.Mutation
	index int
}

// Apply writes muts in TransactWriteItems calls of at most
// Config.MaxTransactItems items. DynamoDB rejects a transaction touching
// the same item twice, so repeated keys are collapsed first, keeping the
// condition of the first write and the value of the last.
func (e *Engine) Apply(ctx context.Context, muts []kv.Mutation) error {
	ops, err := collapse(muts)
	if err != nil {
		return err
	}

	for start := 0; start < len(ops); start += e.config.MaxTransactItems {
		end := min(start+e.config.MaxTransactItems, len(ops))
		chunk := ops[start:end]

		items := make([]types.TransactWriteItem, 0, len(chunk))
		for _, op := range chunk {
			item, err := e.writeItem(op.mut)
			if err != nil {
				return err
			}
			items = append(items, item)
		}

		e.log.Debug().Int("items", len(items)).Int("offset", start).Msg("transact write")
		_, err := e.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items,
		})
		if err := mapTransactionError(err, chunk); err != nil {
			return err
		}
	}
	return nil
}

// collapse merges repeated keys, checking the conditions of later writes
// against the state left by earlier ones.
func collapse(muts []kv.Mutation) ([]pending, error) {
	ops := make([]pending, 0, len(muts))
	pos := make(map[string]int, len(muts))
	for i, m := range muts {
		id := m.Key.String()
		j, seen := pos[id]
		if !seen {
			pos[id] = len(ops)
			ops = append(ops, pending{mut: m, index: i})
			continue
		}
		exists := !ops[j].mut.Delete
		if (m.Condition == kv.MustNotExist && exists) || (m.Condition == kv.MustExist && !exists) {
			return nil, &kv.ConditionError{Index: i, Key: m.Key}
		}
		ops[j].mut.Value = m.Value
		ops[j].mut.Delete = m.Delete
	}
	return ops, nil
}

func (e *Engine) writeItem(m kv.Mutation) (types.TransactWriteItem, error) {
	cond := conditionExpression(m.Condition)
	if m.Delete {
		return types.TransactWriteItem{
			Delete: &types.Delete{
				TableName:           aws.String(e.config.Table),
				Key:                 e.key(m.Key),
				ConditionExpression: cond,
			},
		}, nil
	}
	item, err := e.item(m.Key, m.Value)
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal %s: %w", m.Key, err)
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(e.config.Table),
			Item:                item,
			ConditionExpression: cond,
		},
	}, nil
}

func conditionExpression(c kv.Condition) *string {
	switch c {
	case kv.MustNotExist:
		return aws.String("attribute_not_exists(pk)")
	case kv.MustExist:
		return aws.String("attribute_exists(pk)")
	default:
		return nil
	}
}

// mapTransactionError maps a cancelled transaction to the mutation whose
// condition failed.
func mapTransactionError(err error, chunk []pending) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" && i < len(chunk) {
				return &kv.ConditionError{Index: chunk[i].index, Key: chunk[i].mut.Key, Err: err}
			}
		}
	}

	return err
}

// Increment atomically adds delta to the counter at k.
func (e *Engine) Increment(ctx context.Context, k kv.Key, delta int64) (int64, error) {
	out, err := e.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(e.config.Table),
		Key:              e.key(k),
		UpdateExpression: aws.String("SET #p = :p, #i = :i ADD #n :d"),
		ExpressionAttributeNames: map[string]string{
			"#p": "p",
			"#i": "i",
			"#n": "n",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: kv.PartitionKey(k.Partition)},
			":i": &types.AttributeValueMemberS{Value: k.Item},
			":d": &types.AttributeValueMemberN{Value: strconv.FormatInt(delta, 10)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, err
	}
	n, ok := out.Attributes["n"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("increment %s: missing counter in response", k)
	}
	return strconv.ParseInt(n.Value, 10, 64)
}

// Close is a no-op; the client is owned by the caller.
func (e *Engine) Close() error { return nil }

func sortEntries(entries []kv.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.Item < entries[j].Key.Item
	})
}
