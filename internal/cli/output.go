package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// parseItem decodes a JSON object into a DynamoDB item. An empty string is an
// empty item. Numbers keep their literal text, so integers beyond float64
// precision are stored exactly.
func parseItem(s string) (map[string]types.AttributeValue, error) {
	if s == "" {
		return map[string]types.AttributeValue{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("item must be a JSON object: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("item must be a single JSON object")
	}
	item, err := attributevalue.MarshalMap(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal item: %w", err)
	}
	return item, nil
}

// itemJSON converts a DynamoDB item into plain values for printing. N values
// are printed with their stored text.
func itemJSON(item map[string]types.AttributeValue) (map[string]any, error) {
	out := map[string]any{}
	err := attributevalue.UnmarshalMapWithOptions(item, &out, func(o *attributevalue.DecoderOptions) {
		o.UseNumber = true
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	jsonNumbers(out)
	return out, nil
}

// jsonNumbers rewrites the Number values produced by a UseNumber decode as
// json.Number, in place, so they print unquoted.
func jsonNumbers(v any) any {
	switch c := v.(type) {
	case attributevalue.Number:
		return json.Number(c)
	case []attributevalue.Number:
		out := make([]any, len(c))
		for i, n := range c {
			out[i] = json.Number(n)
		}
		return out
	case map[string]any:
		for k, e := range c {
			c[k] = jsonNumbers(e)
		}
	case []any:
		for i, e := range c {
			c[i] = jsonNumbers(e)
		}
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// apiErrorCode returns the DynamoDB error code in err's chain, if any.
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// commandError adds the DynamoDB error code, when present, to a failure.
func commandError(op string, err error) error {
	if code := apiErrorCode(err); code != "" {
		return fmt.Errorf("%s [%s]: %w", op, code, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
