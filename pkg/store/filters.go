package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/OMGAmici/haystack/pkg/schema"
)

// Filters follow the extended comparison syntax of the query API:
//
//	{"meta_field": "test1"}                        shorthand for $eq
//	{"meta_field": ["test1", "test2"]}             shorthand for $in
//	{"numeric_field": {"$gte": 3.0}}               comparison operator
//	{"$or": {"date_field": {"$lt": "2020-01-01"},
//	         "numeric_field": {"$gte": 5.0}}}      logical operator
//
// All top-level keys combine with an implicit $and. Comparison operators:
// $eq, $in, $ne, $nin, $gt, $gte, $lt, $lte. Logical operators: $and, $or,
// $not. Dates are compared as strings when both sides parse as dates,
// numbers numerically.
type Filters map[string]interface{}

// Matches reports whether the document's meta fields satisfy the filters.
// A nil or empty filter matches everything.
func (f Filters) Matches(doc *schema.Document) (bool, error) {
	if len(f) == 0 {
		return true, nil
	}
	return evalClause(map[string]interface{}(f), doc, "$and")
}

// Validate walks the filter tree and rejects unknown operators early, so the
// API can return a 400 instead of failing mid-query.
func (f Filters) Validate() error {
	_, err := evalClause(map[string]interface{}(f), &schema.Document{}, "$and")
	return err
}

func evalClause(clause map[string]interface{}, doc *schema.Document, mode string) (bool, error) {
	results := make([]bool, 0, len(clause))
	for key, value := range clause {
		ok, err := evalTerm(key, value, doc)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}
	switch mode {
	case "$and":
		for _, ok := range results {
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case "$or":
		for _, ok := range results {
			if ok {
				return true, nil
			}
		}
		return len(results) == 0, nil
	case "$not":
		// $not negates the conjunction of its children.
		for _, ok := range results {
			if !ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown logical operator %q", mode)
	}
}

func evalTerm(key string, value interface{}, doc *schema.Document) (bool, error) {
	switch key {
	case "$and", "$or", "$not":
		sub, err := asClause(value)
		if err != nil {
			return false, fmt.Errorf("%s: %w", key, err)
		}
		return evalClause(sub, doc, key)
	}
	if strings.HasPrefix(key, "$") {
		return false, fmt.Errorf("unknown logical operator %q", key)
	}

	fieldValue, present := doc.Meta[key]

	switch v := value.(type) {
	case map[string]interface{}:
		for op, operand := range v {
			ok, err := compare(op, fieldValue, present, operand)
			if err != nil {
				return false, fmt.Errorf("field %q: %w", key, err)
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case []interface{}:
		return compare("$in", fieldValue, present, v)
	default:
		return compare("$eq", fieldValue, present, value)
	}
}

func asClause(value interface{}) (map[string]interface{}, error) {
	clause, ok := value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("operand must be a map, got %T", value)
	}
	return clause, nil
}

func compare(op string, fieldValue interface{}, present bool, operand interface{}) (bool, error) {
	switch op {
	case "$eq":
		return present && valuesEqual(fieldValue, operand), nil
	case "$ne":
		return !present || !valuesEqual(fieldValue, operand), nil
	case "$in":
		list, ok := operand.([]interface{})
		if !ok {
			return false, fmt.Errorf("$in operand must be a list, got %T", operand)
		}
		if !present {
			return false, nil
		}
		for _, candidate := range list {
			if valuesEqual(fieldValue, candidate) {
				return true, nil
			}
		}
		return false, nil
	case "$nin":
		ok, err := compare("$in", fieldValue, present, operand)
		if err != nil {
			return false, fmt.Errorf("$nin operand must be a list")
		}
		return !ok, nil
	case "$gt", "$gte", "$lt", "$lte":
		if !present {
			return false, nil
		}
		cmp, err := orderedCompare(fieldValue, operand)
		if err != nil {
			return false, err
		}
		switch op {
		case "$gt":
			return cmp > 0, nil
		case "$gte":
			return cmp >= 0, nil
		case "$lt":
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	default:
		return false, fmt.Errorf("unknown comparison operator %q", op)
	}
}

func valuesEqual(a, b interface{}) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// orderedCompare returns -1, 0 or 1. Numbers compare numerically, dates
// chronologically, everything else lexically.
func orderedCompare(a, b interface{}) (int, error) {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1, nil
			case af > bf:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		if at, err1 := parseDate(as); err1 == nil {
			if bt, err2 := parseDate(bs); err2 == nil {
				switch {
				case at.Before(bt):
					return -1, nil
				case at.After(bt):
					return 1, nil
				default:
					return 0, nil
				}
			}
		}
		return strings.Compare(as, bs), nil
	}
	return 0, fmt.Errorf("cannot order %T against %T", a, b)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("not a date: %q", s)
}
