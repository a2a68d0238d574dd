package memdb

import (
	"context"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var (
	existsRe = regexp.MustCompile(`^(attribute_exists|attribute_not_exists)\s*\(\s*(#?\w+)\s*\)$`)
	equalsRe = regexp.MustCompile(`^(#?\w+)\s*=\s*(:\w+)$`)
)

// evalCondition reports whether expr holds for item. item is nil when no item
// exists under the key. An empty expression always holds.
func evalCondition(expr string, names map[string]string, values map[string]types.AttributeValue, item Item) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	for _, clause := range strings.Split(expr, " AND ") {
		clause = strings.TrimSpace(clause)

		if m := existsRe.FindStringSubmatch(clause); m != nil {
			name, err := resolveName(m[2], names)
			if err != nil {
				return false, err
			}
			_, present := item[name]
			if present != (m[1] == "attribute_exists") {
				return false, nil
			}
			continue
		}

		if m := equalsRe.FindStringSubmatch(clause); m != nil {
			name, err := resolveName(m[1], names)
			if err != nil {
				return false, err
			}
			want, ok := values[m[2]]
			if !ok {
				return false, validationError("An expression attribute value used in expression is not defined: %s", m[2])
			}
			got, present := item[name]
			if !present || !attrEqual(got, want) {
				return false, nil
			}
			continue
		}

		return false, validationError("unsupported condition clause: %q", clause)
	}
	return true, nil
}

func resolveName(token string, names map[string]string) (string, error) {
	if !strings.HasPrefix(token, "#") {
		return token, nil
	}
	name, ok := names[token]
	if !ok {
		return "", validationError("An expression attribute name used in the document path is not defined: %s", token)
	}
	return name, nil
}

// applyUpdate returns the item produced by a SET update expression. An item
// that does not exist yet starts from its key attributes.
func applyUpdate(existing, key Item, expr string, names map[string]string, values map[string]types.AttributeValue) (Item, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(expr), "SET ")
	if !ok {
		return nil, validationError("unsupported update expression: %q", expr)
	}

	src := existing
	if src == nil {
		src = key
	}
	out := make(Item, len(src)+1)
	for k, v := range src {
		out[k] = v
	}

	for _, assign := range strings.Split(rest, ",") {
		m := equalsRe.FindStringSubmatch(strings.TrimSpace(assign))
		if m == nil {
			return nil, validationError("unsupported update action: %q", assign)
		}
		name, err := resolveName(m[1], names)
		if err != nil {
			return nil, err
		}
		if _, isKey := key[name]; isKey {
			return nil, validationError("Cannot update attribute %s. This attribute is part of the key", name)
		}
		v, ok := values[m[2]]
		if !ok {
			return nil, validationError("An expression attribute value used in expression is not defined: %s", m[2])
		}
		out[name] = v
	}
	return out, nil
}

// project keeps only the attributes listed in a projection expression.
func project(item Item, projection *string, names map[string]string) (Item, error) {
	if projection == nil || strings.TrimSpace(*projection) == "" {
		out := make(Item, len(item))
		for k, v := range item {
			out[k] = v
		}
		return out, nil
	}
	out := make(Item)
	for _, token := range strings.Split(*projection, ",") {
		name, err := resolveName(strings.TrimSpace(token), names)
		if err != nil {
			return nil, err
		}
		if v, ok := item[name]; ok {
			out[name] = v
		}
	}
	return out, nil
}

// Query returns the items matching an equality key condition, in key order.
// Results always fit in one page.
func (db *DB) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	t, err := db.table(in.TableName)
	if err != nil {
		return nil, err
	}
	if aws.ToString(in.KeyConditionExpression) == "" {
		return nil, validationError("KeyConditionExpression is required")
	}

	var (
		items   []Item
		evalErr error
	)
	t.items.Range(func(_ itemKey, item Item) bool {
		ok, err := evalCondition(*in.KeyConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, item)
		if err != nil {
			evalErr = err
			return false
		}
		if !ok {
			return true
		}
		projected, err := project(item, in.ProjectionExpression, in.ExpressionAttributeNames)
		if err != nil {
			evalErr = err
			return false
		}
		items = append(items, projected)
		return true
	})
	if evalErr != nil {
		return nil, evalErr
	}

	return &dynamodb.QueryOutput{
		Items: items,
		Count: int32(len(items)),
	}, nil
}
