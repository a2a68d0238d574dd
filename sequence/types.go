package sequence

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

//go:generate mockgen -destination mock_dynamodb_test.go -package sequence_test github.com/jacentio/autoinc/sequence DynamoDBAPI

// DynamoDBAPI is the part of *dynamodb.Client used by this package.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

var _ DynamoDBAPI = (*dynamodb.Client)(nil)

// PK represents a DynamoDB primary key.
type PK map[string]types.AttributeValue

// AssignedAttribute is the attribute a successful allocation wrote.
type AssignedAttribute struct {
	Name  string
	Value int64
}

// ItemBuilder materializes the item to insert once the value is known.
// It is called once per attempt, so it may see several candidate values
// during a single call.
type ItemBuilder func(value int64) (map[string]types.AttributeValue, error)

// PutResult is returned by a successful allocation.
type PutResult struct {
	// Item is the item as written, including the assigned attribute.
	Item map[string]types.AttributeValue

	AssignedAttribute

	// Attempts is the number of read-write cycles the call needed.
	Attempts int
}

func numberAttr(v int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

// copyItem returns a shallow copy of item with room for extra attributes.
func copyItem(item map[string]types.AttributeValue, extra int) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item)+extra)
	for k, v := range item {
		out[k] = v
	}
	return out
}
