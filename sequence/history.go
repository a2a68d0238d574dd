package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/xid"
)

// HistoryConfig holds configuration for a History.
type HistoryConfig struct {
	// CurrentTable holds the latest version of the item.
	CurrentTable string

	// HistoryTable holds superseded versions. Its key is Key's attributes plus
	// VersionAttribute as the range key.
	HistoryTable string

	// Key is the item's key in CurrentTable.
	Key PK

	// VersionAttribute is the number attribute holding the version.
	// Default: "version"
	VersionAttribute string

	// StartValue is the version given to the first stored item.
	// Default: 0
	StartValue int64

	// Step is added to the version on every Put.
	// Default: 1
	Step int64

	// MaxAttempts bounds the number of read-write cycles per Put.
	// Default: 10
	MaxAttempts int

	// AttemptTimeout bounds each individual DynamoDB request.
	AttemptTimeout time.Duration

	// Backoff creates the delay schedule used between attempts.
	// Default: DefaultBackoff
	Backoff BackoffPolicy

	// Logger receives retry and exhaustion events.
	// Default: slog.Default()
	Logger *slog.Logger
}

func (c *HistoryConfig) validate() {
	if c.VersionAttribute == "" {
		c.VersionAttribute = "version"
	}
	if c.Step == 0 {
		c.Step = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 10
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// History versions a single item. Every Put replaces the current item and
// moves the previous one into the history table, numbered by the same
// conditional-write protocol as Store.
type History struct {
	client DynamoDBAPI
	config HistoryConfig
}

// NewHistory creates a new History instance.
func NewHistory(client DynamoDBAPI, config HistoryConfig) *History {
	config.validate()
	return &History{
		client: client,
		config: config,
	}
}

// Put stores item as the newest version and returns the version it received.
// Key attributes and the version attribute in item are overwritten.
//
// If the current item exists without a version attribute (it predates the
// History), it is archived as StartValue and item becomes StartValue+Step.
func (h *History) Put(ctx context.Context, item any) (*PutResult, error) {
	seq := h.sequenceKey()
	fields, err := marshalItem(item)
	if err != nil {
		return nil, &AllocationError{SequenceKey: seq, Err: err}
	}

	st := settings{
		table:          h.config.HistoryTable,
		keyAttr:        h.config.VersionAttribute,
		start:          h.config.StartValue,
		step:           h.config.Step,
		maxAttempts:    h.config.MaxAttempts,
		attemptTimeout: h.config.AttemptTimeout,
		backoff:        h.config.Backoff,
	}
	if err := st.check(); err != nil {
		return nil, &AllocationError{SequenceKey: seq, Err: err}
	}
	if h.config.CurrentTable == "" || len(h.config.Key) == 0 {
		return nil, &AllocationError{
			SequenceKey: seq,
			Err:         fmt.Errorf("%w: current table and key are required", ErrInvalidConfig),
		}
	}

	logger := h.config.Logger.With("op", xid.New().String())
	r := &retrier{
		sequenceKey: seq,
		maxAttempts: st.maxAttempts,
		backoff:     st.backoff,
		logger:      logger,
	}
	out, err := r.run(ctx, func(ctx context.Context) (*outcome, error) {
		return h.attempt(ctx, &st, fields)
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("stored version",
		"sequenceKey", seq,
		"version", out.value,
		"attempts", out.attempts,
	)
	return &PutResult{
		Item:              out.item,
		AssignedAttribute: AssignedAttribute{Name: h.config.VersionAttribute, Value: out.value},
		Attempts:          out.attempts,
	}, nil
}

func (h *History) attempt(ctx context.Context, st *settings, fields map[string]types.AttributeValue) (*outcome, error) {
	current, err := h.getItem(ctx, h.config.CurrentTable, h.config.Key)
	if err != nil {
		return nil, err
	}
	obs, err := counterValue(current, h.config.VersionAttribute)
	if err != nil {
		return nil, err
	}
	out := &outcome{observed: obs.witness()}

	p, err := h.plan(current, obs, st, fields)
	if err != nil {
		return out, err
	}
	if err := transact(ctx, h.client, st.attemptTimeout, p.items); err != nil {
		return out, err
	}
	out.value = p.value
	out.item = p.item
	return out, nil
}

// plan builds the version transaction: replace the current item (conditioned
// on its observed version) and archive the previous one (conditioned on the
// archived version being unused).
func (h *History) plan(current map[string]types.AttributeValue, obs observation, st *settings, fields map[string]types.AttributeValue) (*plan, error) {
	attr := h.config.VersionAttribute
	value, err := obs.next(st)
	if err != nil {
		return nil, err
	}

	var archived map[string]types.AttributeValue
	if current != nil {
		archived = copyItem(current, 1)
		if !obs.exists {
			archived[attr] = numberAttr(value)
			if value > math.MaxInt64-st.step {
				return nil, fmt.Errorf("%w: %d + %d", ErrOverflow, value, st.step)
			}
			value += st.step
		}
	}

	item := copyItem(fields, len(h.config.Key)+1)
	for k, v := range h.config.Key {
		item[k] = v
	}
	item[attr] = numberAttr(value)

	condExpr, condValues := obs.condition()
	items := []types.TransactWriteItem{
		counterOp: {
			Put: &types.Put{
				TableName:                 aws.String(h.config.CurrentTable),
				Item:                      item,
				ConditionExpression:       aws.String(condExpr),
				ExpressionAttributeNames:  map[string]string{"#counter": attr},
				ExpressionAttributeValues: condValues,
			},
		},
	}
	if archived != nil {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:                aws.String(st.table),
				Item:                     archived,
				ConditionExpression:      aws.String("attribute_not_exists(#key)"),
				ExpressionAttributeNames: map[string]string{"#key": attr},
			},
		})
	}

	return &plan{value: value, item: item, items: items}, nil
}

// List returns the archived version numbers in ascending order.
func (h *History) List(ctx context.Context) ([]int64, error) {
	names := map[string]string{"#version": h.config.VersionAttribute}
	values := map[string]types.AttributeValue{}
	var conds []string
	for i, k := range sortedKeys(h.config.Key) {
		name, value := "#k"+strconv.Itoa(i), ":k"+strconv.Itoa(i)
		names[name] = k
		values[value] = h.config.Key[k]
		conds = append(conds, name+" = "+value)
	}

	var versions []int64
	paginator := dynamodb.NewQueryPaginator(h.client, &dynamodb.QueryInput{
		TableName:                 aws.String(h.config.HistoryTable),
		KeyConditionExpression:    aws.String(strings.Join(conds, " AND ")),
		ProjectionExpression:      aws.String("#version"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: query history: %w", ErrStore, err)
		}
		for _, item := range page.Items {
			obs, err := counterValue(item, h.config.VersionAttribute)
			if err != nil {
				return nil, err
			}
			if obs.exists {
				versions = append(versions, obs.value)
			}
		}
	}

	slices.Sort(versions)
	return versions, nil
}

// Latest returns the current item, or ErrNotFound if nothing was stored.
func (h *History) Latest(ctx context.Context) (map[string]types.AttributeValue, error) {
	item, err := h.getItem(ctx, h.config.CurrentTable, h.config.Key)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrNotFound
	}
	return item, nil
}

// Version returns an archived version, or ErrNotFound.
func (h *History) Version(ctx context.Context, version int64) (map[string]types.AttributeValue, error) {
	key := copyItem(h.config.Key, 1)
	key[h.config.VersionAttribute] = numberAttr(version)

	item, err := h.getItem(ctx, h.config.HistoryTable, key)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrNotFound
	}
	return item, nil
}

func (h *History) getItem(ctx context.Context, table string, key PK) (map[string]types.AttributeValue, error) {
	ctx, cancel := withTimeout(ctx, h.config.AttemptTimeout)
	defer cancel()

	result, err := h.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrStore, table, err)
	}
	return result.Item, nil
}

// sequenceKey renders the tracked key for diagnostics, e.g. "widgets/widgetID=1".
func (h *History) sequenceKey() string {
	parts := make([]string, 0, len(h.config.Key))
	for _, k := range sortedKeys(h.config.Key) {
		parts = append(parts, k+"="+attrString(h.config.Key[k]))
	}
	return h.config.CurrentTable + "/" + strings.Join(parts, ",")
}

func sortedKeys(key PK) []string {
	keys := make([]string, 0, len(key))
	for k := range key {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func attrString(v types.AttributeValue) string {
	switch v := v.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	case *types.AttributeValueMemberB:
		return fmt.Sprintf("%x", v.Value)
	}
	return fmt.Sprintf("%T", v)
}
