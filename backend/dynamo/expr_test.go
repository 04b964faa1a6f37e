package dynamo

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func stringValue(t *testing.T, av types.AttributeValue) string {
	t.Helper()
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		t.Fatalf("expected string attribute, got %T", av)
	}
	return s.Value
}

// --- Filter Compilation Tests ---

func TestFilter_Equality(t *testing.T) {
	e := newExpression()
	got := e.filter(bson.M{"shard": "a"})

	want := "(attribute_type(#n0, :list) OR #n0 = :v0)"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if diff := cmp.Diff(map[string]string{"#n0": "shard"}, e.attributeNames()); diff != "" {
		t.Errorf("unexpected names (-want +got):\n%s", diff)
	}
	if v := stringValue(t, e.values[":v0"]); v != "a" {
		t.Errorf("expected :v0 = 'a', got %q", v)
	}
	if v := stringValue(t, e.values[":list"]); v != "L" {
		t.Errorf("expected :list = 'L', got %q", v)
	}
}

func TestFilter_Range(t *testing.T) {
	e := newExpression()
	got := e.filter(bson.M{"name": bson.M{"$gt": "X", "$lt": "Z"}})

	want := "(attribute_type(#n0, :list) OR #n0 > :v0) AND (attribute_type(#n0, :list) OR #n0 < :v2)"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestFilter_IdentifierIn(t *testing.T) {
	a, b := primitive.NewObjectID(), primitive.NewObjectID()
	e := newExpression()
	got := e.filter(bson.M{"_id": bson.M{"$in": []primitive.ObjectID{a, b}}})

	want := "(#n0 IN (:v0, :v1))"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if v := stringValue(t, e.values[":v1"]); v != b.Hex() {
		t.Errorf("expected :v1 = %s, got %s", b.Hex(), v)
	}
	if _, ok := e.values[":list"]; ok {
		t.Error("expected no list passthrough for the identifier")
	}
}

func TestFilter_NotEqualAndNotIn(t *testing.T) {
	tests := []struct {
		name   string
		filter bson.M
		want   string
	}{
		{
			"ne",
			bson.M{"state": bson.M{"$ne": "done"}},
			"(attribute_type(#n0, :list) OR attribute_not_exists(#n0) OR #n0 <> :v0)",
		},
		{
			"nin",
			bson.M{"state": bson.M{"$nin": bson.A{"a", "b"}}},
			"(attribute_type(#n0, :list) OR attribute_not_exists(#n0) OR NOT (#n0 IN (:v0, :v1)))",
		},
		{
			"exists",
			bson.M{"state": bson.M{"$exists": true}},
			"attribute_exists(#n0)",
		},
		{
			"not exists",
			bson.M{"state": bson.M{"$exists": false}},
			"attribute_not_exists(#n0)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newExpression().filter(tt.filter)
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestFilter_SkipsWhatCannotBeCompiled(t *testing.T) {
	tests := []struct {
		name   string
		filter bson.M
	}{
		{"dotted path", bson.M{"address.city": "Oslo"}},
		{"document literal", bson.M{"address": bson.M{"city": "Oslo"}}},
		{"array literal", bson.M{"tags": bson.A{"x"}}},
		{"null", bson.M{"state": nil}},
		{"elemMatch", bson.M{"tags": bson.M{"$elemMatch": bson.M{"$eq": "x"}}}},
		{"nor", bson.M{"$nor": bson.A{bson.M{"a": 1}}}},
		{"empty in", bson.M{"a": bson.M{"$in": bson.A{}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newExpression()
			if got := e.filter(tt.filter); got != "" {
				t.Errorf("expected no condition, got %q", got)
			}
			if e.attributeNames() != nil || e.attributeValues() != nil {
				t.Errorf("expected no placeholders, got %v %v", e.names, e.values)
			}
		})
	}
}

func TestFilter_OrWithUnconstrainedBranch(t *testing.T) {
	e := newExpression()
	got := e.filter(bson.M{
		"$or": []bson.M{
			{"a": 1},
			{"b": bson.M{"$elemMatch": bson.M{"x": 1}}},
		},
	})
	if got != "" {
		t.Errorf("expected no condition, got %q", got)
	}
	if e.attributeNames() != nil {
		t.Errorf("expected discarded branch placeholders to be dropped, got %v", e.names)
	}
}

func TestFilter_Or(t *testing.T) {
	e := newExpression()
	got := e.filter(bson.M{
		"$or": []bson.M{
			{"a": "x"},
			{"b": bson.M{"$exists": false}},
		},
	})

	want := "(((attribute_type(#n0, :list) OR #n0 = :v0)) OR (attribute_not_exists(#n1)))"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if diff := cmp.Diff(map[string]string{"#n0": "a", "#n1": "b"}, e.attributeNames()); diff != "" {
		t.Errorf("unexpected names (-want +got):\n%s", diff)
	}
}

func TestFilter_AndKeepsCompilableParts(t *testing.T) {
	e := newExpression()
	got := e.filter(bson.M{
		"$and": []bson.M{
			{"tags": bson.M{"$elemMatch": bson.M{"$eq": "x"}}},
			{"shard": bson.M{"$exists": true}},
		},
	})

	want := "(attribute_exists(#n0))"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

// --- Update Compilation Tests ---

func TestUpdate_AllOperators(t *testing.T) {
	e := newExpression()
	got, err := e.update(bson.M{
		"$set":   bson.M{"state": "done"},
		"$unset": bson.M{"old": ""},
		"$push":  bson.M{"log": bson.M{"$each": []any{"x"}}},
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	want := "SET #n0 = list_append(if_not_exists(#n0, :v0), :v1), #n1 = :v2 REMOVE #n2"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	wantNames := map[string]string{"#n0": "log", "#n1": "state", "#n2": "old"}
	if diff := cmp.Diff(wantNames, e.attributeNames()); diff != "" {
		t.Errorf("unexpected names (-want +got):\n%s", diff)
	}

	list, ok := e.values[":v1"].(*types.AttributeValueMemberL)
	if !ok || len(list.Value) != 1 {
		t.Fatalf("expected :v1 to be a one-element list, got %#v", e.values[":v1"])
	}
	if v := stringValue(t, list.Value[0]); v != "x" {
		t.Errorf("expected appended 'x', got %q", v)
	}
}

func TestUpdate_NestedPath(t *testing.T) {
	e := newExpression()
	got, err := e.update(bson.M{"$set": bson.M{"address.city": "Oslo"}})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if want := "SET #n0.#n1 = :v0"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestUpdate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		update bson.M
	}{
		{"unsupported operator", bson.M{"$inc": bson.M{"n": 1}}},
		{"operator without document", bson.M{"$set": "x"}},
		{"empty", bson.M{}},
		{"each without array", bson.M{"$push": bson.M{"log": bson.M{"$each": "x"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newExpression().update(tt.update); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
