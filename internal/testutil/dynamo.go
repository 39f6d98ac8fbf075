package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// FakeDynamo is an in-memory DynamoDB client for a single table keyed by
// string "pk" and "sk". It understands the condition, filter and update
// expressions issued by the kv DynamoDB engine and nothing more.
type FakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	calls map[string]int

	// PageSize limits Query and Scan pages when positive.
	PageSize int
}

// NewFakeDynamo creates an empty fake table.
func NewFakeDynamo() *FakeDynamo {
	return &FakeDynamo{
		items: make(map[string]map[string]types.AttributeValue),
		calls: make(map[string]int),
	}
}

// Calls returns how many times an API operation was invoked.
func (f *FakeDynamo) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Len returns the number of stored items.
func (f *FakeDynamo) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Items returns a copy of every stored item, ordered by pk and sk.
func (f *FakeDynamo) Items() []map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.items))
	for id := range f.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]map[string]types.AttributeValue, len(ids))
	for i, id := range ids {
		out[i] = copyItem(f.items[id])
	}
	return out
}

// Remove deletes an item directly, bypassing conditions, and returns its
// last image. It simulates expiry by the service.
func (f *FakeDynamo) Remove(pk, sk string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := pk + "\x00" + sk
	old := f.items[id]
	delete(f.items, id)
	return old
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func itemID(key map[string]types.AttributeValue) string {
	return str(key["pk"]) + "\x00" + str(key["sk"])
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (f *FakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetItem"]++
	return &dynamodb.GetItemOutput{Item: copyItem(f.items[itemID(in.Key)])}, nil
}

// page returns the ids after start, at most PageSize of them, and the key
// to resume from.
func (f *FakeDynamo) page(ids []string, start map[string]types.AttributeValue) ([]string, map[string]types.AttributeValue) {
	sort.Strings(ids)
	if start != nil {
		from := itemID(start)
		i := sort.SearchStrings(ids, from)
		if i < len(ids) && ids[i] == from {
			i++
		}
		ids = ids[i:]
	}
	if f.PageSize <= 0 || len(ids) <= f.PageSize {
		return ids, nil
	}
	ids = ids[:f.PageSize]
	last := f.items[ids[len(ids)-1]]
	return ids, map[string]types.AttributeValue{"pk": last["pk"], "sk": last["sk"]}
}

func (f *FakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Query"]++
	if aws.ToString(in.KeyConditionExpression) != "pk = :pk" {
		return nil, fmt.Errorf("fake dynamo: unsupported key condition %q", aws.ToString(in.KeyConditionExpression))
	}
	pk := str(in.ExpressionAttributeValues[":pk"])
	var ids []string
	for id, item := range f.items {
		if str(item["pk"]) == pk {
			ids = append(ids, id)
		}
	}
	ids, next := f.page(ids, in.ExclusiveStartKey)
	out := &dynamodb.QueryOutput{LastEvaluatedKey: next}
	for _, id := range ids {
		out.Items = append(out.Items, copyItem(f.items[id]))
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func (f *FakeDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Scan"]++
	ids := make([]string, 0, len(f.items))
	for id := range f.items {
		ids = append(ids, id)
	}
	ids, next := f.page(ids, in.ExclusiveStartKey)
	out := &dynamodb.ScanOutput{LastEvaluatedKey: next}
	for _, id := range ids {
		item := f.items[id]
		if in.FilterExpression != nil {
			attr := in.ExpressionAttributeNames["#p"]
			p := str(item[attr])
			exact := str(in.ExpressionAttributeValues[":p"])
			prefix := str(in.ExpressionAttributeValues[":pp"])
			if p != exact && !strings.HasPrefix(p, prefix) {
				continue
			}
		}
		out.Items = append(out.Items, copyItem(item))
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func (f *FakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpdateItem"]++
	id := itemID(in.Key)
	item := copyItem(f.items[id])
	if item == nil {
		item = copyItem(in.Key)
	}
	updated := make(map[string]types.AttributeValue)
	for placeholder, value := range in.ExpressionAttributeValues {
		name := in.ExpressionAttributeNames["#"+strings.TrimPrefix(placeholder, ":")]
		if placeholder == ":d" {
			name = in.ExpressionAttributeNames["#n"]
			var current int64
			if n, ok := item[name].(*types.AttributeValueMemberN); ok {
				current, _ = strconv.ParseInt(n.Value, 10, 64)
			}
			delta, _ := strconv.ParseInt(value.(*types.AttributeValueMemberN).Value, 10, 64)
			value = &types.AttributeValueMemberN{Value: strconv.FormatInt(current+delta, 10)}
		}
		if name == "" {
			return nil, fmt.Errorf("fake dynamo: no attribute name for %s", placeholder)
		}
		item[name] = value
		updated[name] = value
	}
	f.items[id] = item
	return &dynamodb.UpdateItemOutput{Attributes: updated}, nil
}

func (f *FakeDynamo) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["TransactWriteItems"]++
	if len(in.TransactItems) > 100 {
		return nil, errors.New("fake dynamo: too many transact items")
	}

	seen := make(map[string]bool, len(in.TransactItems))
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		var id string
		var cond *string
		switch {
		case ti.Put != nil:
			id, cond = itemID(ti.Put.Item), ti.Put.ConditionExpression
		case ti.Delete != nil:
			id, cond = itemID(ti.Delete.Key), ti.Delete.ConditionExpression
		default:
			return nil, errors.New("fake dynamo: unsupported transact item")
		}
		if seen[id] {
			return nil, errors.New("fake dynamo: transaction touches the same item twice")
		}
		seen[id] = true

		_, exists := f.items[id]
		code := "None"
		switch aws.ToString(cond) {
		case "attribute_not_exists(pk)":
			if exists {
				code = "ConditionalCheckFailed"
			}
		case "attribute_exists(pk)":
			if !exists {
				code = "ConditionalCheckFailed"
			}
		}
		if code != "None" {
			failed = true
		}
		reasons[i] = types.CancellationReason{Code: aws.String(code)}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range in.TransactItems {
		if ti.Put != nil {
			f.items[itemID(ti.Put.Item)] = copyItem(ti.Put.Item)
		} else {
			delete(f.items, itemID(ti.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}
