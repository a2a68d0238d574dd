package sequence

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func testSettings() settings {
	return settings{
		table:       "widgets",
		keyAttr:     "widgetID",
		start:       1,
		step:        1,
		maxAttempts: 3,
		backoff:     ConstantBackoff(0),
	}
}

func testRequest() *request {
	return &request{
		sequenceKey:  "widgets",
		counterTable: "autoincrement",
		counterKey:   PK{"tableName": &types.AttributeValueMemberS{Value: "widgets"}},
		attr:         "widgetID",
		settings:     testSettings(),
	}
}

func identityBuilder(attr string) ItemBuilder {
	return func(v int64) (map[string]types.AttributeValue, error) {
		return map[string]types.AttributeValue{attr: numberAttr(v)}, nil
	}
}

// --- observation Tests ---

func TestObservation_Next(t *testing.T) {
	st := settings{start: 100, step: 5}

	tests := []struct {
		name     string
		obs      observation
		expected int64
	}{
		{"absent issues start", observation{}, 100},
		{"present adds step", observation{value: 100, exists: true}, 105},
		{"zero counter", observation{value: 0, exists: true}, 5},
		{"negative counter", observation{value: -20, exists: true}, -15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.obs.next(&st)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestObservation_NextOverflow(t *testing.T) {
	st := settings{step: 2}

	_, err := observation{value: math.MaxInt64 - 1, exists: true}.next(&st)
	if !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}

	got, err := observation{value: math.MaxInt64 - 2, exists: true}.next(&st)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != math.MaxInt64 {
		t.Errorf("expected MaxInt64, got %d", got)
	}
}

func TestObservation_Condition(t *testing.T) {
	expr, values := observation{}.condition()
	if expr != "attribute_not_exists(#counter)" {
		t.Errorf("unexpected expression for absent counter: %q", expr)
	}
	if values != nil {
		t.Errorf("expected no values for absent counter, got %v", values)
	}

	expr, values = observation{value: 41, exists: true}.condition()
	if expr != "#counter = :counter" {
		t.Errorf("unexpected expression for present counter: %q", expr)
	}
	n, ok := values[":counter"].(*types.AttributeValueMemberN)
	if !ok || n.Value != "41" {
		t.Errorf("expected :counter = 41, got %v", values[":counter"])
	}
}

func TestObservation_Witness(t *testing.T) {
	if w := (observation{}).witness(); w != nil {
		t.Errorf("expected nil witness for absent counter, got %d", *w)
	}
	w := observation{value: 7, exists: true}.witness()
	if w == nil || *w != 7 {
		t.Errorf("expected witness 7, got %v", w)
	}
}

// --- plan Tests ---

func TestPlan_AbsentCounter(t *testing.T) {
	r := testRequest()

	p, err := r.plan(observation{}, identityBuilder("widgetID"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.value != 1 {
		t.Errorf("expected value 1, got %d", p.value)
	}
	if len(p.items) != 2 {
		t.Fatalf("expected 2 transaction items, got %d", len(p.items))
	}

	counter := p.items[counterOp].Update
	if counter == nil {
		t.Fatal("expected the counter to be written with an update")
	}
	if aws.ToString(counter.TableName) != "autoincrement" {
		t.Errorf("expected counter table autoincrement, got %q", aws.ToString(counter.TableName))
	}
	if aws.ToString(counter.ConditionExpression) != "attribute_not_exists(#counter)" {
		t.Errorf("unexpected counter condition %q", aws.ToString(counter.ConditionExpression))
	}
	if counter.ExpressionAttributeNames["#counter"] != "widgetID" {
		t.Errorf("expected #counter to name widgetID, got %q", counter.ExpressionAttributeNames["#counter"])
	}
	if _, ok := counter.Key["tableName"]; !ok {
		t.Error("counter update is missing its key")
	}
	if aws.ToString(counter.UpdateExpression) != "SET #counter = :next" {
		t.Errorf("unexpected counter update %q", aws.ToString(counter.UpdateExpression))
	}
	if v, ok := counter.ExpressionAttributeValues[":next"].(*types.AttributeValueMemberN); !ok || v.Value != "1" {
		t.Errorf("expected :next to be 1, got %v", counter.ExpressionAttributeValues[":next"])
	}

	record := p.items[recordOp].Put
	if aws.ToString(record.TableName) != "widgets" {
		t.Errorf("expected record table widgets, got %q", aws.ToString(record.TableName))
	}
	if aws.ToString(record.ConditionExpression) != "attribute_not_exists(#key)" {
		t.Errorf("unexpected record condition %q", aws.ToString(record.ConditionExpression))
	}
}

func TestPlan_DoesNotMutateKey(t *testing.T) {
	r := testRequest()

	if _, err := r.plan(observation{value: 3, exists: true}, identityBuilder("widgetID")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.counterKey) != 1 {
		t.Errorf("plan modified the counter key: %v", r.counterKey)
	}
}

func TestPlan_BuilderError(t *testing.T) {
	r := testRequest()
	boom := errors.New("boom")

	_, err := r.plan(observation{}, func(int64) (map[string]types.AttributeValue, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected builder error, got %v", err)
	}
}

// --- mapTransactionError Tests ---

func canceledWith(codes ...string) error {
	reasons := make([]types.CancellationReason, len(codes))
	for i, code := range codes {
		reasons[i] = types.CancellationReason{Code: aws.String(code)}
	}
	return &types.TransactionCanceledException{CancellationReasons: reasons}
}

func TestMapTransactionError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{"counter condition", canceledWith("ConditionalCheckFailed", "None"), ErrConditionFailed},
		{"counter conflict", canceledWith("TransactionConflict", "None"), ErrConditionFailed},
		{"record condition", canceledWith("None", "ConditionalCheckFailed"), ErrDuplicateKey},
		{"both conditions", canceledWith("ConditionalCheckFailed", "ConditionalCheckFailed"), ErrConditionFailed},
		{"record conflict", canceledWith("None", "TransactionConflict"), ErrStore},
		{"throttled", canceledWith("ThrottlingError", "None"), ErrStore},
		{"no reasons", canceledWith(), ErrStore},
		{"wrapped", fmt.Errorf("send: %w", canceledWith("ConditionalCheckFailed", "None")), ErrConditionFailed},
		{"transport", errors.New("connection refused"), ErrStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapTransactionError(tt.err)
			if !errors.Is(got, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestMapTransactionError_Nil(t *testing.T) {
	if err := mapTransactionError(nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

// --- settings Tests ---

func TestSettings_Check(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(*settings)
		expected error
	}{
		{"valid", func(*settings) {}, nil},
		{"zero step", func(s *settings) { s.step = 0 }, ErrInvalidConfig},
		{"negative step", func(s *settings) { s.step = -3 }, ErrInvalidConfig},
		{"zero attempts", func(s *settings) { s.maxAttempts = 0 }, ErrInvalidConfig},
		{"nil backoff", func(s *settings) { s.backoff = nil }, ErrInvalidConfig},
		{"empty table", func(s *settings) { s.table = "" }, ErrInvalidConfig},
		{"empty key attribute", func(s *settings) { s.keyAttr = "" }, ErrInvalidConfig},
		{"start below range", func(s *settings) { s.start = math.MinInt64 }, ErrOverflow},
		{"negative start", func(s *settings) { s.start = -1000 }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := testSettings()
			tt.modify(&st)
			err := st.check()
			if tt.expected == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, err)
			}
		})
	}
}

func TestConfig_Settings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartValue = 10

	st := cfg.settings("widgets", "widgetID", []Option{WithStep(3)})
	if st.table != "widgets" {
		t.Errorf("expected table to default to the sequence key, got %q", st.table)
	}
	if st.keyAttr != "widgetID" {
		t.Errorf("expected key attribute to default to the assigned attribute, got %q", st.keyAttr)
	}
	if st.start != 10 || st.step != 3 {
		t.Errorf("expected start 10 step 3, got start %d step %d", st.start, st.step)
	}
	if cfg.Step != 1 {
		t.Errorf("option leaked into config: step %d", cfg.Step)
	}
}

// --- Config Tests ---

func TestConfig_Validate(t *testing.T) {
	var cfg Config
	cfg.validate()

	if cfg.CounterTable != "autoincrement" {
		t.Errorf("expected default counter table, got %q", cfg.CounterTable)
	}
	if cfg.CounterKeyAttribute != "tableName" {
		t.Errorf("expected default counter key attribute, got %q", cfg.CounterKeyAttribute)
	}
	if cfg.Step != 1 {
		t.Errorf("expected default step 1, got %d", cfg.Step)
	}
	if cfg.MaxAttempts != 10 {
		t.Errorf("expected default max attempts 10, got %d", cfg.MaxAttempts)
	}
	if cfg.Backoff == nil || cfg.Logger == nil {
		t.Error("expected default backoff and logger")
	}
}

func TestConfig_ValidateKeepsNegativeStep(t *testing.T) {
	cfg := Config{Step: -1}
	cfg.validate()
	if cfg.Step != -1 {
		t.Errorf("expected negative step to be kept, got %d", cfg.Step)
	}
}

// --- counterValue Tests ---

func TestCounterValue(t *testing.T) {
	obs, err := counterValue(nil, "widgetID")
	if err != nil || obs.exists {
		t.Errorf("expected absent counter for nil item, got %+v, %v", obs, err)
	}

	obs, err = counterValue(map[string]types.AttributeValue{"other": numberAttr(1)}, "widgetID")
	if err != nil || obs.exists {
		t.Errorf("expected absent counter for missing attribute, got %+v, %v", obs, err)
	}

	obs, err = counterValue(map[string]types.AttributeValue{"widgetID": numberAttr(12)}, "widgetID")
	if err != nil || !obs.exists || obs.value != 12 {
		t.Errorf("expected counter 12, got %+v, %v", obs, err)
	}

	_, err = counterValue(map[string]types.AttributeValue{
		"widgetID": &types.AttributeValueMemberS{Value: "12"},
	}, "widgetID")
	if !errors.Is(err, ErrStore) {
		t.Errorf("expected ErrStore for string counter, got %v", err)
	}

	_, err = counterValue(map[string]types.AttributeValue{
		"widgetID": &types.AttributeValueMemberN{Value: "1.5"},
	}, "widgetID")
	if !errors.Is(err, ErrStore) {
		t.Errorf("expected ErrStore for fractional counter, got %v", err)
	}
}

// --- History plan Tests ---

func testHistory() *History {
	return NewHistory(nil, HistoryConfig{
		CurrentTable: "widgets",
		HistoryTable: "widgets-history",
		Key:          PK{"widgetID": numberAttr(1)},
		StartValue:   1,
	})
}

func historySettings(h *History) *settings {
	return &settings{
		table:       h.config.HistoryTable,
		keyAttr:     h.config.VersionAttribute,
		start:       h.config.StartValue,
		step:        h.config.Step,
		maxAttempts: h.config.MaxAttempts,
		backoff:     h.config.Backoff,
	}
}

func TestHistoryPlan_FirstVersion(t *testing.T) {
	h := testHistory()

	p, err := h.plan(nil, observation{}, historySettings(h), map[string]types.AttributeValue{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.value != 1 {
		t.Errorf("expected version 1, got %d", p.value)
	}
	if len(p.items) != 1 {
		t.Errorf("expected only the current put, got %d items", len(p.items))
	}
}

func TestHistoryPlan_UnversionedItem(t *testing.T) {
	h := testHistory()
	current := map[string]types.AttributeValue{
		"widgetID": numberAttr(1),
		"name":     &types.AttributeValueMemberS{Value: "legacy"},
	}

	p, err := h.plan(current, observation{}, historySettings(h), map[string]types.AttributeValue{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.value != 2 {
		t.Errorf("expected version 2, got %d", p.value)
	}
	if len(p.items) != 2 {
		t.Fatalf("expected current and archive puts, got %d items", len(p.items))
	}

	archived := p.items[1].Put
	if aws.ToString(archived.TableName) != "widgets-history" {
		t.Errorf("expected archive into widgets-history, got %q", aws.ToString(archived.TableName))
	}
	v, ok := archived.Item["version"].(*types.AttributeValueMemberN)
	if !ok || v.Value != "1" {
		t.Errorf("expected archived version 1, got %v", archived.Item["version"])
	}
	if _, ok := current["version"]; ok {
		t.Error("plan modified the observed item")
	}
}

func TestHistoryPlan_VersionedItem(t *testing.T) {
	h := testHistory()
	current := map[string]types.AttributeValue{
		"widgetID": numberAttr(1),
		"version":  numberAttr(4),
	}

	p, err := h.plan(current, observation{value: 4, exists: true}, historySettings(h), map[string]types.AttributeValue{
		"widgetID": numberAttr(99),
		"version":  numberAttr(42),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.value != 5 {
		t.Errorf("expected version 5, got %d", p.value)
	}

	put := p.items[0].Put
	if aws.ToString(put.ConditionExpression) != "#counter = :counter" {
		t.Errorf("unexpected condition %q", aws.ToString(put.ConditionExpression))
	}
	if id := put.Item["widgetID"].(*types.AttributeValueMemberN).Value; id != "1" {
		t.Errorf("expected key to be forced to 1, got %s", id)
	}
	if v := put.Item["version"].(*types.AttributeValueMemberN).Value; v != "5" {
		t.Errorf("expected version 5 in item, got %s", v)
	}
}

func TestHistory_SequenceKey(t *testing.T) {
	h := NewHistory(nil, HistoryConfig{
		CurrentTable: "widgets",
		Key: PK{
			"region":   &types.AttributeValueMemberS{Value: "eu"},
			"widgetID": numberAttr(1),
		},
	})
	if got := h.sequenceKey(); got != "widgets/region=eu,widgetID=1" {
		t.Errorf("unexpected sequence key %q", got)
	}
}

// --- AllocationError Tests ---

func TestAllocationError_Error(t *testing.T) {
	seven := int64(7)
	err := &AllocationError{SequenceKey: "widgets", Attempts: 3, LastObserved: &seven, Err: ErrAllocationExhausted}

	expected := `sequence "widgets": 3 attempts, last observed 7: sequence: allocation attempts exhausted`
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
	if !errors.Is(err, ErrAllocationExhausted) {
		t.Error("expected AllocationError to unwrap to its cause")
	}

	err.LastObserved = nil
	if got := err.Error(); got != `sequence "widgets": 3 attempts, last observed none: sequence: allocation attempts exhausted` {
		t.Errorf("unexpected message %q", got)
	}
}

func TestErrOverflow_IsInvalidConfig(t *testing.T) {
	if !errors.Is(ErrOverflow, ErrInvalidConfig) {
		t.Error("expected ErrOverflow to match ErrInvalidConfig")
	}
}
