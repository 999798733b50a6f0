package domain

import (
	"fmt"
	"reflect"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// ConditionOp is a comparison applied to the value found at a condition path
type ConditionOp string

const (
	ConditionExists    ConditionOp = "exists"
	ConditionNotExists ConditionOp = "not_exists"
	ConditionEq        ConditionOp = "eq"
	ConditionNe        ConditionOp = "ne"
	ConditionGt        ConditionOp = "gt"
	ConditionGte       ConditionOp = "gte"
	ConditionLt        ConditionOp = "lt"
	ConditionLte       ConditionOp = "lte"
	ConditionTruthy    ConditionOp = "truthy"
	ConditionFalsy     ConditionOp = "falsy"
)

// Condition is a predicate over a step's inputs. Path is a gjson path into
// the inputs map, where prior step outputs are keyed by step id
// (e.g. "validate.valid").
type Condition struct {
	Path  string      `json:"path"`
	Op    ConditionOp `json:"op"`
	Value interface{} `json:"value,omitempty"`
}

// Validate checks the condition is well formed
func (c *Condition) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("condition path is required")
	}
	switch c.Op {
	case ConditionExists, ConditionNotExists, ConditionTruthy, ConditionFalsy:
		return nil
	case ConditionEq, ConditionNe, ConditionGt, ConditionGte, ConditionLt, ConditionLte:
		if c.Value == nil && c.Op != ConditionEq && c.Op != ConditionNe {
			return fmt.Errorf("condition op %s requires a value", c.Op)
		}
		return nil
	default:
		return fmt.Errorf("unknown condition op: %q", c.Op)
	}
}

// Evaluate resolves the condition against inputs
func (c *Condition) Evaluate(inputs map[string]interface{}) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}

	data, err := json.Marshal(inputs)
	if err != nil {
		return false, fmt.Errorf("failed to marshal condition inputs: %w", err)
	}
	got := gjson.GetBytes(data, c.Path)
	present := got.Exists() && got.Type != gjson.Null

	switch c.Op {
	case ConditionExists:
		return present, nil
	case ConditionNotExists:
		return !present, nil
	case ConditionTruthy:
		return present && truthy(got), nil
	case ConditionFalsy:
		return !present || !truthy(got), nil
	}

	want, err := c.expected()
	if err != nil {
		return false, err
	}

	switch c.Op {
	case ConditionEq:
		return reflect.DeepEqual(got.Value(), want.Value()), nil
	case ConditionNe:
		return !reflect.DeepEqual(got.Value(), want.Value()), nil
	}

	if !present {
		return false, nil
	}
	cmp, ok := compare(got, want)
	if !ok {
		return false, fmt.Errorf("cannot compare %s with %s at path %s", got.Type, want.Type, c.Path)
	}

	switch c.Op {
	case ConditionGt:
		return cmp > 0, nil
	case ConditionGte:
		return cmp >= 0, nil
	case ConditionLt:
		return cmp < 0, nil
	default:
		return cmp <= 0, nil
	}
}

// expected normalises Value through JSON so numbers compare as float64
func (c *Condition) expected() (gjson.Result, error) {
	raw, err := json.Marshal(c.Value)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to marshal condition value: %w", err)
	}
	return gjson.ParseBytes(raw), nil
}

func compare(a, b gjson.Result) (int, bool) {
	switch {
	case a.Type == gjson.Number && b.Type == gjson.Number:
		switch {
		case a.Num < b.Num:
			return -1, true
		case a.Num > b.Num:
			return 1, true
		}
		return 0, true
	case a.Type == gjson.String && b.Type == gjson.String:
		switch {
		case a.Str < b.Str:
			return -1, true
		case a.Str > b.Str:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.True, gjson.JSON:
		return true
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != ""
	default:
		return false
	}
}
