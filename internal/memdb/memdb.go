// Package memdb is an in-memory stand-in for the DynamoDB operations used by
// the sequence package. Transactions are applied atomically under a single
// lock, and the condition expressions the sequence package emits are
// evaluated the way DynamoDB evaluates them.
//
// Supported condition syntax: attribute_exists(name), attribute_not_exists(name)
// and name = :value, joined with AND.
package memdb

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/zhangyunhao116/skipmap"
)

// Item is a stored DynamoDB item.
type Item = map[string]types.AttributeValue

// DB holds tables in memory. The zero value is not usable; call New.
type DB struct {
	mu     sync.Mutex
	tables map[string]*table
}

type table struct {
	name     string
	schema   []types.KeySchemaElement
	hashKey  string
	rangeKey string
	items    *skipmap.FuncMap[itemKey, Item]

	// writes records every committed put in commit order.
	writes []Item
}

// New creates an empty DB.
func New() *DB {
	return &DB{tables: make(map[string]*table)}
}

// CreateTable registers a table using the hash and range keys from in.
func (db *DB) CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	name := aws.ToString(in.TableName)
	if _, ok := db.tables[name]; ok {
		return nil, &types.ResourceInUseException{Message: aws.String("table already exists: " + name)}
	}

	t := &table{
		name:   name,
		schema: in.KeySchema,
		items:  skipmap.NewFunc[itemKey, Item](itemKey.less),
	}
	for _, ks := range in.KeySchema {
		switch ks.KeyType {
		case types.KeyTypeHash:
			t.hashKey = aws.ToString(ks.AttributeName)
		case types.KeyTypeRange:
			t.rangeKey = aws.ToString(ks.AttributeName)
		}
	}
	if t.hashKey == "" {
		return nil, validationError("table %s has no hash key", name)
	}
	db.tables[name] = t

	return &dynamodb.CreateTableOutput{TableDescription: t.describe()}, nil
}

// DescribeTable reports an existing table. Tables are active as soon as they
// are created.
func (db *DB) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	t, err := db.table(in.TableName)
	if err != nil {
		return nil, err
	}
	return &dynamodb.DescribeTableOutput{Table: t.describe()}, nil
}

// GetItem returns the item with the given key. Reads are always consistent.
func (db *DB) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	t, err := db.table(in.TableName)
	if err != nil {
		return nil, err
	}
	key, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := t.items.Load(key)
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	projected, err := project(item, in.ProjectionExpression, in.ExpressionAttributeNames)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: projected}, nil
}

// PutItem stores an item, honoring an optional condition expression.
func (db *DB) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	t, err := db.table(in.TableName)
	if err != nil {
		return nil, err
	}
	key, err := t.keyOf(in.Item)
	if err != nil {
		return nil, err
	}
	existing, _ := t.items.Load(key)
	ok, err := evalCondition(aws.ToString(in.ConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, existing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	t.put(key, in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

// TransactWriteItems applies Put, Update, Delete, and ConditionCheck actions
// all-or-nothing. When any condition fails, nothing is written and a
// TransactionCanceledException lists a reason per action.
func (db *DB) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	type action struct {
		t      *table
		key    itemKey
		item   Item
		delete bool
	}
	actions := make([]action, 0, len(in.TransactItems))
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	seen := make(map[*table]map[itemKey]bool)
	failed := false

	for i, ti := range in.TransactItems {
		var (
			tableName *string
			keyItem   Item
			cond      *string
			names     map[string]string
			values    map[string]types.AttributeValue
			a         action
		)
		switch {
		case ti.Put != nil:
			tableName, keyItem, cond = ti.Put.TableName, ti.Put.Item, ti.Put.ConditionExpression
			names, values = ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
			a.item = ti.Put.Item
		case ti.Update != nil:
			tableName, keyItem, cond = ti.Update.TableName, ti.Update.Key, ti.Update.ConditionExpression
			names, values = ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues
		case ti.Delete != nil:
			tableName, keyItem, cond = ti.Delete.TableName, ti.Delete.Key, ti.Delete.ConditionExpression
			names, values = ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues
			a.delete = true
		case ti.ConditionCheck != nil:
			tableName, keyItem, cond = ti.ConditionCheck.TableName, ti.ConditionCheck.Key, ti.ConditionCheck.ConditionExpression
			names, values = ti.ConditionCheck.ExpressionAttributeNames, ti.ConditionCheck.ExpressionAttributeValues
		default:
			return nil, validationError("transact item %d: unsupported action", i)
		}

		t, err := db.table(tableName)
		if err != nil {
			return nil, err
		}
		key, err := t.keyOf(keyItem)
		if err != nil {
			return nil, err
		}
		if seen[t][key] {
			return nil, validationError("Transaction request cannot include multiple operations on one item")
		}
		if seen[t] == nil {
			seen[t] = make(map[itemKey]bool)
		}
		seen[t][key] = true

		existing, _ := t.items.Load(key)
		ok, err := evalCondition(aws.ToString(cond), names, values, existing)
		if err != nil {
			return nil, err
		}
		if ok {
			reasons[i] = types.CancellationReason{Code: aws.String("None")}
		} else {
			reasons[i] = types.CancellationReason{
				Code:    aws.String("ConditionalCheckFailed"),
				Message: aws.String("The conditional request failed"),
			}
			failed = true
		}

		if ti.Update != nil {
			a.item, err = applyUpdate(existing, keyItem, aws.ToString(ti.Update.UpdateExpression), names, values)
			if err != nil {
				return nil, err
			}
		}
		if ti.ConditionCheck == nil {
			a.t, a.key = t, key
			actions = append(actions, a)
		}
	}

	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}

	for _, a := range actions {
		if a.delete {
			a.t.items.Delete(a.key)
			continue
		}
		a.t.put(a.key, a.item)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// Writes returns the items put or updated in a table, in commit order.
func (db *DB) Writes(tableName string) []Item {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, ok := db.tables[tableName]
	if !ok {
		return nil
	}
	return append([]Item(nil), t.writes...)
}

// Items returns every item in a table in key order.
func (db *DB) Items(tableName string) []Item {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, ok := db.tables[tableName]
	if !ok {
		return nil
	}
	var items []Item
	t.items.Range(func(_ itemKey, item Item) bool {
		items = append(items, item)
		return true
	})
	return items
}

func (db *DB) table(name *string) (*table, error) {
	t, ok := db.tables[aws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{
			Message: aws.String("Requested resource not found: Table: " + aws.ToString(name) + " not found"),
		}
	}
	return t, nil
}

func (t *table) describe() *types.TableDescription {
	return &types.TableDescription{
		TableName:   aws.String(t.name),
		KeySchema:   t.schema,
		TableStatus: types.TableStatusActive,
		ItemCount:   aws.Int64(int64(t.items.Len())),
	}
}

func (t *table) put(key itemKey, item Item) {
	stored := make(Item, len(item))
	for k, v := range item {
		stored[k] = v
	}
	t.items.Store(key, stored)
	t.writes = append(t.writes, stored)
}

// itemKey orders items by hash key, then by range key. Number range keys sort
// numerically.
type itemKey struct {
	hash    string
	rng     string
	rngNum  float64
	numeric bool
}

func (a itemKey) less(b itemKey) bool {
	if a.hash != b.hash {
		return a.hash < b.hash
	}
	if a.numeric && b.numeric {
		return a.rngNum < b.rngNum
	}
	return a.rng < b.rng
}

func (t *table) keyOf(item Item) (itemKey, error) {
	hash, _, _, err := keyPart(item, t.hashKey)
	if err != nil {
		return itemKey{}, err
	}
	key := itemKey{hash: hash}
	if t.rangeKey != "" {
		key.rng, key.rngNum, key.numeric, err = keyPart(item, t.rangeKey)
		if err != nil {
			return itemKey{}, err
		}
	}
	return key, nil
}

func keyPart(item Item, attr string) (string, float64, bool, error) {
	switch v := item[attr].(type) {
	case *types.AttributeValueMemberS:
		return "S:" + v.Value, 0, false, nil
	case *types.AttributeValueMemberN:
		n, err := strconv.ParseFloat(v.Value, 64)
		if err != nil {
			return "", 0, false, validationError("invalid number for key attribute %s: %q", attr, v.Value)
		}
		return "N:" + v.Value, n, true, nil
	case *types.AttributeValueMemberB:
		return "B:" + string(v.Value), 0, false, nil
	case nil:
		return "", 0, false, validationError("One of the required keys was not given a value: %s", attr)
	default:
		return "", 0, false, validationError("key attribute %s has unsupported type %T", attr, v)
	}
}

func attrEqual(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return false
		}
		x, errA := strconv.ParseFloat(av.Value, 64)
		y, errB := strconv.ParseFloat(bv.Value, 64)
		if errA != nil || errB != nil {
			return av.Value == bv.Value
		}
		return x == y
	case *types.AttributeValueMemberB:
		bv, ok := b.(*types.AttributeValueMemberB)
		return ok && bytes.Equal(av.Value, bv.Value)
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	}
	return false
}

func validationError(format string, args ...any) error {
	return &smithy.GenericAPIError{
		Code:    "ValidationException",
		Message: fmt.Sprintf(format, args...),
		Fault:   smithy.FaultClient,
	}
}
