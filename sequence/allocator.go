package sequence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Positions of the two puts in every allocation transaction.
const (
	counterOp = 0
	recordOp  = 1
)

// observation is the counter state returned by one consistent read.
// The value doubles as the version witness for the conditional write.
type observation struct {
	value  int64
	exists bool
}

func (o observation) witness() *int64 {
	if !o.exists {
		return nil
	}
	v := o.value
	return &v
}

// next returns the value following o. An absent counter behaves as if it held
// start-step, so the first value issued is start.
func (o observation) next(s *settings) (int64, error) {
	if !o.exists {
		return s.start, nil
	}
	if o.value > math.MaxInt64-s.step {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, o.value, s.step)
	}
	return o.value + s.step, nil
}

// condition returns the expression that holds only while the counter is still
// in the observed state.
func (o observation) condition() (string, map[string]types.AttributeValue) {
	if !o.exists {
		return "attribute_not_exists(#counter)", nil
	}
	return "#counter = :counter", map[string]types.AttributeValue{
		":counter": numberAttr(o.value),
	}
}

// request identifies the counter a call advances.
type request struct {
	sequenceKey  string
	counterTable string
	counterKey   PK
	attr         string
	settings
}

// plan is the transaction for one allocation attempt.
type plan struct {
	value int64
	item  map[string]types.AttributeValue
	items []types.TransactWriteItem
}

// plan builds the transaction for obs. It has no side effects besides calling
// build, and is re-run from a fresh read after every conflict.
func (r *request) plan(obs observation, build ItemBuilder) (*plan, error) {
	value, err := obs.next(&r.settings)
	if err != nil {
		return nil, err
	}
	item, err := build(value)
	if err != nil {
		return nil, fmt.Errorf("build item: %w", err)
	}

	// The counter item is shared by every attribute allocated under the same
	// sequence key, so only this attribute is set.
	condExpr, condValues := obs.condition()
	values := make(map[string]types.AttributeValue, len(condValues)+1)
	for k, v := range condValues {
		values[k] = v
	}
	values[":next"] = numberAttr(value)

	return &plan{
		value: value,
		item:  item,
		items: []types.TransactWriteItem{
			counterOp: {
				Update: &types.Update{
					TableName:                 aws.String(r.counterTable),
					Key:                       r.counterKey,
					UpdateExpression:          aws.String("SET #counter = :next"),
					ConditionExpression:       aws.String(condExpr),
					ExpressionAttributeNames:  map[string]string{"#counter": r.attr},
					ExpressionAttributeValues: values,
				},
			},
			recordOp: {
				Put: &types.Put{
					TableName:                aws.String(r.table),
					Item:                     item,
					ConditionExpression:      aws.String("attribute_not_exists(#key)"),
					ExpressionAttributeNames: map[string]string{"#key": r.keyAttr},
				},
			},
		},
	}, nil
}

// allocate runs one read-plan-write cycle.
func (s *Store) allocate(ctx context.Context, r *request, build ItemBuilder) (*outcome, error) {
	obs, err := s.readCounter(ctx, r)
	if err != nil {
		return nil, err
	}
	out := &outcome{observed: obs.witness()}

	p, err := r.plan(obs, build)
	if err != nil {
		return out, err
	}

	if err := transact(ctx, s.client, r.attemptTimeout, p.items); err != nil {
		return out, err
	}
	out.value = p.value
	out.item = p.item
	return out, nil
}

// readCounter performs the consistent read of the counter item.
func (s *Store) readCounter(ctx context.Context, r *request) (observation, error) {
	ctx, cancel := withTimeout(ctx, r.attemptTimeout)
	defer cancel()

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:                aws.String(r.counterTable),
		Key:                      r.counterKey,
		ConsistentRead:           aws.Bool(true),
		ProjectionExpression:     aws.String("#counter"),
		ExpressionAttributeNames: map[string]string{"#counter": r.attr},
	})
	if err != nil {
		return observation{}, fmt.Errorf("%w: read counter: %w", ErrStore, err)
	}
	return counterValue(result.Item, r.attr)
}

// counterValue extracts the counter from item. A missing item or attribute is
// an absent counter.
func counterValue(item map[string]types.AttributeValue, attr string) (observation, error) {
	raw, ok := item[attr]
	if !ok {
		return observation{}, nil
	}
	n, ok := raw.(*types.AttributeValueMemberN)
	if !ok {
		return observation{}, fmt.Errorf("%w: counter attribute %q is %T, not a number", ErrStore, attr, raw)
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return observation{}, fmt.Errorf("%w: counter attribute %q: %w", ErrStore, attr, err)
	}
	return observation{value: v, exists: true}, nil
}

// transact submits items and maps condition failures.
func transact(ctx context.Context, client DynamoDBAPI, timeout time.Duration, items []types.TransactWriteItem) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	_, err := client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return mapTransactionError(err)
}

// mapTransactionError maps DynamoDB transaction errors for allocations.
// A conflict on the counter put means another writer got there first;
// a failed condition on the record put means the item's key is taken.
func mapTransactionError(err error) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code == nil {
				continue
			}
			switch *reason.Code {
			case "ConditionalCheckFailed":
				if i == counterOp {
					return ErrConditionFailed
				}
				if i == recordOp {
					return ErrDuplicateKey
				}
			case "TransactionConflict":
				// Another transaction touched the counter while this one ran.
				if i == counterOp {
					return ErrConditionFailed
				}
			}
		}
	}

	return fmt.Errorf("%w: transact write: %w", ErrStore, err)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
