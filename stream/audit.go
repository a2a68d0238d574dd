// Package stream provides a DynamoDB Streams handler that audits counter tables.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/autoinc/sequence"
)

// ErrRegression is returned when a counter did not strictly increase.
var ErrRegression = errors.New("stream: counter regression")

// Config holds configuration for the audit Handler.
type Config struct {
	// KeyAttribute is the hash key of the counter table.
	// Default: "tableName"
	KeyAttribute string
}

func (c *Config) validate() {
	if c.KeyAttribute == "" {
		c.KeyAttribute = "tableName"
	}
}

// Regression is a counter change that went backwards or stood still.
type Regression struct {
	EventID     string
	SequenceKey string
	Key         sequence.PK
	Attribute   string
	Old         int64
	New         int64
}

// RegressionError lists the regressions found in one batch.
type RegressionError struct {
	Regressions []Regression
}

func (e *RegressionError) Error() string {
	parts := make([]string, 0, len(e.Regressions))
	for _, r := range e.Regressions {
		parts = append(parts, fmt.Sprintf("%s.%s %d -> %d", r.SequenceKey, r.Attribute, r.Old, r.New))
	}
	return fmt.Sprintf("%v: %s", ErrRegression, strings.Join(parts, ", "))
}

func (e *RegressionError) Unwrap() error {
	return ErrRegression
}

// Handler checks that every counter in the audited table only moves forward.
// The stream must use the NEW_AND_OLD_IMAGES view type.
type Handler struct {
	config Config
	logger *slog.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(config Config, logger *slog.Logger) *Handler {
	config.validate()
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		config: config,
		logger: logger,
	}
}

// HandleCounterAudit processes DynamoDB stream events from a counter table.
// This function is designed to be used as an AWS Lambda handler. Any
// regression in the batch fails the invocation with a *RegressionError.
func (h *Handler) HandleCounterAudit(ctx context.Context, event events.DynamoDBEvent) error {
	var found []Regression
	for _, record := range event.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		found = append(found, h.processRecord(record)...)
	}
	if len(found) > 0 {
		return &RegressionError{Regressions: found}
	}
	return nil
}

// processRecord audits a single DynamoDB stream record.
func (h *Handler) processRecord(record events.DynamoDBEventRecord) []Regression {
	seq := getStringAttr(record.Change.Keys, h.config.KeyAttribute)

	switch record.EventName {
	case "INSERT":
		for _, attr := range h.counterAttrs(record.Change.NewImage) {
			v, _ := getNumberAttr(record.Change.NewImage, attr)
			h.logger.Info("counter created",
				"sequenceKey", seq,
				"attribute", attr,
				"value", v,
			)
		}
		return nil

	case "REMOVE":
		// The next allocation restarts from the start value and may reissue
		// values that are already in use.
		h.logger.Warn("counter removed",
			"sequenceKey", seq,
			"eventID", record.EventID,
		)
		return nil

	case "MODIFY":
	default:
		return nil
	}

	if record.Change.OldImage == nil {
		h.logger.Warn("stream record has no old image",
			"sequenceKey", seq,
			"eventID", record.EventID,
			"streamViewType", record.Change.StreamViewType,
		)
		return nil
	}

	var found []Regression
	for _, attr := range h.counterAttrs(record.Change.NewImage) {
		newValue, _ := getNumberAttr(record.Change.NewImage, attr)
		oldValue, ok := getNumberAttr(record.Change.OldImage, attr)
		if !ok {
			h.logger.Info("counter created",
				"sequenceKey", seq,
				"attribute", attr,
				"value", newValue,
			)
			continue
		}

		if newValue > oldValue {
			h.logger.Debug("counter advanced",
				"sequenceKey", seq,
				"attribute", attr,
				"old", oldValue,
				"new", newValue,
			)
			continue
		}

		h.logger.Error("counter regression",
			"sequenceKey", seq,
			"attribute", attr,
			"old", oldValue,
			"new", newValue,
			"eventID", record.EventID,
		)
		found = append(found, Regression{
			EventID:     record.EventID,
			SequenceKey: seq,
			Key:         ConvertStreamKey(record.Change.Keys),
			Attribute:   attr,
			Old:         oldValue,
			New:         newValue,
		})
	}

	for attr := range record.Change.OldImage {
		if _, ok := getNumberAttr(record.Change.OldImage, attr); !ok || attr == h.config.KeyAttribute {
			continue
		}
		if _, ok := record.Change.NewImage[attr]; !ok {
			h.logger.Warn("counter attribute dropped",
				"sequenceKey", seq,
				"attribute", attr,
				"eventID", record.EventID,
			)
		}
	}

	return found
}

// counterAttrs returns the numeric non-key attributes of image in name order.
func (h *Handler) counterAttrs(image map[string]events.DynamoDBAttributeValue) []string {
	var attrs []string
	for name := range image {
		if name == h.config.KeyAttribute {
			continue
		}
		if _, ok := getNumberAttr(image, name); ok {
			attrs = append(attrs, name)
		}
	}
	sort.Strings(attrs)
	return attrs
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts an integer attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) (int64, bool) {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, err := strconv.ParseInt(v.Number(), 10, 64)
			return n, err == nil
		}
	}
	return 0, false
}

// ConvertStreamKey converts a DynamoDB stream key to a sequence.PK.
func ConvertStreamKey(streamKey map[string]events.DynamoDBAttributeValue) sequence.PK {
	result := make(sequence.PK)
	for k, v := range streamKey {
		switch v.DataType() {
		case events.DataTypeString:
			result[k] = &types.AttributeValueMemberS{Value: v.String()}
		case events.DataTypeNumber:
			result[k] = &types.AttributeValueMemberN{Value: v.Number()}
		case events.DataTypeBinary:
			result[k] = &types.AttributeValueMemberB{Value: v.Binary()}
		}
	}
	return result
}
