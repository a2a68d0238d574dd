package sequence

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/xid"
)

// Store allocates values from counters kept in a DynamoDB counter table.
// It holds no per-sequence state and is safe for concurrent use.
type Store struct {
	client DynamoDBAPI
	config Config
}

// New creates a new Store instance.
func New(client DynamoDBAPI, config Config) *Store {
	config.validate()
	return &Store{
		client: client,
		config: config,
	}
}

// Config returns the store configuration with defaults applied.
func (s *Store) Config() Config {
	return s.config
}

// Put inserts item into the sequence's table with attributeName set to the
// next value of the sequence. item may be a map[string]types.AttributeValue or
// anything attributevalue.MarshalMap accepts. The allocated value always
// overrides an attributeName field present in item.
//
// On success exactly one counter update and one insert have happened. On
// failure nothing was written.
//
// The insert only refuses to overwrite an existing item when the table is
// keyed by attributeName, or by the attribute named with WithKeyAttribute.
func (s *Store) Put(ctx context.Context, sequenceKey, attributeName string, item any, opts ...Option) (*PutResult, error) {
	fields, err := marshalItem(item)
	if err != nil {
		return nil, &AllocationError{SequenceKey: sequenceKey, Err: err}
	}

	return s.Allocate(ctx, sequenceKey, attributeName, func(value int64) (map[string]types.AttributeValue, error) {
		record := copyItem(fields, 1)
		record[attributeName] = numberAttr(value)
		return record, nil
	}, opts...)
}

// Allocate is Put with a caller-supplied builder for the inserted item. The
// builder must set attributeName (or any other field) from the value it is
// given; Allocate does not modify the returned item.
func (s *Store) Allocate(ctx context.Context, sequenceKey, attributeName string, build ItemBuilder, opts ...Option) (*PutResult, error) {
	st := s.config.settings(sequenceKey, attributeName, opts)
	if sequenceKey == "" || attributeName == "" {
		return nil, &AllocationError{
			SequenceKey: sequenceKey,
			Err:         fmt.Errorf("%w: sequence key and attribute name are required", ErrInvalidConfig),
		}
	}
	if err := st.check(); err != nil {
		return nil, &AllocationError{SequenceKey: sequenceKey, Err: err}
	}

	req := &request{
		sequenceKey:  sequenceKey,
		counterTable: s.config.CounterTable,
		counterKey:   s.counterKey(sequenceKey),
		attr:         attributeName,
		settings:     st,
	}
	logger := s.config.Logger.With("op", xid.New().String())
	r := &retrier{
		sequenceKey: sequenceKey,
		maxAttempts: st.maxAttempts,
		backoff:     st.backoff,
		logger:      logger,
	}

	out, err := r.run(ctx, func(ctx context.Context) (*outcome, error) {
		return s.allocate(ctx, req, build)
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("allocated value",
		"sequenceKey", sequenceKey,
		"attribute", attributeName,
		"value", out.value,
		"attempts", out.attempts,
	)
	return &PutResult{
		Item:              out.item,
		AssignedAttribute: AssignedAttribute{Name: attributeName, Value: out.value},
		Attempts:          out.attempts,
	}, nil
}

// Current returns the last value issued for the sequence, or ErrNotFound if
// nothing has been allocated yet.
func (s *Store) Current(ctx context.Context, sequenceKey, attributeName string) (int64, error) {
	obs, err := s.readCounter(ctx, &request{
		counterTable: s.config.CounterTable,
		counterKey:   s.counterKey(sequenceKey),
		attr:         attributeName,
		settings:     settings{attemptTimeout: s.config.AttemptTimeout},
	})
	if err != nil {
		return 0, err
	}
	if !obs.exists {
		return 0, ErrNotFound
	}
	return obs.value, nil
}

func (s *Store) counterKey(sequenceKey string) PK {
	return PK{
		s.config.CounterKeyAttribute: &types.AttributeValueMemberS{Value: sequenceKey},
	}
}

// marshalItem converts caller input into a DynamoDB item.
func marshalItem(item any) (map[string]types.AttributeValue, error) {
	switch v := item.(type) {
	case nil:
		return map[string]types.AttributeValue{}, nil
	case map[string]types.AttributeValue:
		return v, nil
	case PK:
		return v, nil
	}
	fields, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("marshal item: %w", err)
	}
	return fields, nil
}
