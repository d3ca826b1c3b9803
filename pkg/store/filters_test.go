package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OMGAmici/haystack/pkg/schema"
)

func sampleDoc() *schema.Document {
	return &schema.Document{
		ID:      "d1",
		Content: "My name is Carla and I live in Berlin",
		Meta: map[string]interface{}{
			"meta_field":    "test1",
			"name":          "filename1",
			"date_field":    "2020-03-01",
			"numeric_field": 5.5,
			"odd_document":  false,
		},
	}
}

func TestFiltersShorthand(t *testing.T) {
	doc := sampleDoc()

	tests := []struct {
		name    string
		filters Filters
		want    bool
	}{
		{"eq match", Filters{"meta_field": "test1"}, true},
		{"eq mismatch", Filters{"meta_field": "test2"}, false},
		{"in match", Filters{"meta_field": []interface{}{"test1", "test2"}}, true},
		{"in mismatch", Filters{"meta_field": []interface{}{"test3", "test4"}}, false},
		{"implicit and", Filters{"meta_field": "test1", "name": "filename1"}, true},
		{"implicit and mismatch", Filters{"meta_field": "test1", "name": "other"}, false},
		{"missing field", Filters{"no_such_field": "x"}, false},
		{"empty filters", Filters{}, true},
		{"nil filters", nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.filters.Matches(doc)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFiltersComparisonOperators(t *testing.T) {
	doc := sampleDoc()

	tests := []struct {
		name    string
		filters Filters
		want    bool
	}{
		{"ne", Filters{"meta_field": map[string]interface{}{"$ne": "test2"}}, true},
		{"ne mismatch", Filters{"meta_field": map[string]interface{}{"$ne": "test1"}}, false},
		{"nin", Filters{"meta_field": map[string]interface{}{"$nin": []interface{}{"test2", "test3"}}}, true},
		{"gt number", Filters{"numeric_field": map[string]interface{}{"$gt": 5.0}}, true},
		{"gte boundary", Filters{"numeric_field": map[string]interface{}{"$gte": 5.5}}, true},
		{"lt number", Filters{"numeric_field": map[string]interface{}{"$lt": 5.5}}, false},
		{"lte boundary", Filters{"numeric_field": map[string]interface{}{"$lte": 5.5}}, true},
		{"gt date", Filters{"date_field": map[string]interface{}{"$gt": "2019-01-01"}}, true},
		{"lt date", Filters{"date_field": map[string]interface{}{"$lt": "2019-01-01"}}, false},
		{"date range", Filters{"date_field": map[string]interface{}{"$gte": "2020-01-01", "$lt": "2021-01-01"}}, true},
		{"int operand against float field", Filters{"numeric_field": map[string]interface{}{"$gt": 5}}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.filters.Matches(doc)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFiltersLogicalOperators(t *testing.T) {
	doc := sampleDoc()

	tests := []struct {
		name    string
		filters Filters
		want    bool
	}{
		{
			"or one branch matches",
			Filters{"$or": map[string]interface{}{
				"date_field": map[string]interface{}{"$lt": "2019-01-01"},
				"meta_field": "test1",
			}},
			true,
		},
		{
			"or no branch matches",
			Filters{"$or": map[string]interface{}{
				"date_field": map[string]interface{}{"$lt": "2019-01-01"},
				"meta_field": "test9",
			}},
			false,
		},
		{
			"and explicit",
			Filters{"$and": map[string]interface{}{
				"numeric_field": map[string]interface{}{"$gte": 5.0},
				"meta_field":    "test1",
			}},
			true,
		},
		{
			"not inverts",
			Filters{"$not": map[string]interface{}{"meta_field": "test1"}},
			false,
		},
		{
			"not of non-matching clause",
			Filters{"$not": map[string]interface{}{"meta_field": "test9"}},
			true,
		},
		{
			"nested and inside or",
			Filters{"$or": map[string]interface{}{
				"$and": map[string]interface{}{
					"numeric_field": map[string]interface{}{"$lte": 5.0},
					"date_field":    map[string]interface{}{"$gte": "2020-01-01"},
				},
				"meta_field": "test1",
			}},
			true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.filters.Matches(doc)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFiltersRejectUnknownOperators(t *testing.T) {
	doc := sampleDoc()

	_, err := Filters{"meta_field": map[string]interface{}{"$regex": "test.*"}}.Matches(doc)
	assert.Error(t, err)

	_, err = Filters{"$xor": map[string]interface{}{"meta_field": "test1"}}.Matches(doc)
	assert.Error(t, err)

	err = Filters{"numeric_field": map[string]interface{}{"$between": []interface{}{1, 2}}}.Validate()
	assert.Error(t, err)
}
