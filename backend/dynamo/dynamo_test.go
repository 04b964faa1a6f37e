package dynamo

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/jacentio/shardwise/store"
)

// fakeAPI keeps items in memory. Scan ignores filter expressions, which
// the collection re-checks client-side anyway, and UpdateItem only
// records its input.
type fakeAPI struct {
	mu      sync.Mutex
	items   map[string]map[string]types.AttributeValue
	scans   []*dynamodb.ScanInput
	updates []*dynamodb.UpdateItemInput
	scanErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: map[string]map[string]types.AttributeValue{}}
}

func hashKey(k map[string]types.AttributeValue) string {
	return k[idKey].(*types.AttributeValueMemberS).Value
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[hashKey(in.Key)]}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := hashKey(in.Item)
	if _, exists := f.items[k]; exists && in.ConditionExpression != nil {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.items[hashKey(in.Key)]; !exists {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}
	f.updates = append(f.updates, in)
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := hashKey(in.Key)
	old, exists := f.items[k]
	if !exists {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}
	delete(f.items, k)
	return &dynamodb.DeleteItemOutput{Attributes: old}, nil
}

func (f *fakeAPI) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, in)
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	out := &dynamodb.ScanOutput{}
	for _, item := range f.items {
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func seedCollection(t *testing.T, docs ...bson.M) (*Collection, *fakeAPI, []primitive.ObjectID) {
	t.Helper()
	api := newFakeAPI()
	c := New(api, "things")
	ids, err := c.InsertMany(context.Background(), docs)
	if err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}
	return c, api, ids
}

func names(t *testing.T, c *Collection, filter bson.M) []string {
	t.Helper()
	var result []string
	for rec, err := range c.Find(context.Background(), filter, store.FindOptions{}) {
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		name, _ := rec["name"].(string)
		result = append(result, name)
	}
	return result
}

// --- Item Conversion Tests ---

func TestItem_RoundTrip(t *testing.T) {
	oid := primitive.NewObjectID()
	rec := bson.M{
		"_id":    oid,
		"shard":  "a",
		"n":      3,
		"f":      1.5,
		"tags":   bson.A{"x"},
		"nested": bson.M{"k": "v"},
	}
	item, err := toItem(rec, 42)
	if err != nil {
		t.Fatalf("toItem failed: %v", err)
	}
	if v := stringValue(t, item[idKey]); v != oid.Hex() {
		t.Errorf("expected hash key %s, got %s", oid.Hex(), v)
	}

	got, seq, err := fromItem(item)
	if err != nil {
		t.Fatalf("fromItem failed: %v", err)
	}
	if seq != 42 {
		t.Errorf("expected seq 42, got %d", seq)
	}
	want := bson.M{
		"_id":    oid,
		"shard":  "a",
		"n":      int64(3),
		"f":      1.5,
		"tags":   []any{"x"},
		"nested": map[string]any{"k": "v"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected record (-want +got):\n%s", diff)
	}
}

func TestToItem_RequiresObjectID(t *testing.T) {
	if _, err := toItem(bson.M{"_id": "abc"}, 1); err == nil {
		t.Error("expected an error for a non-ObjectID _id")
	}
}

func TestNextSeq_Increases(t *testing.T) {
	prev := nextSeq()
	for i := 0; i < 100; i++ {
		n := nextSeq()
		if n <= prev {
			t.Fatalf("expected increasing stamps, got %d after %d", n, prev)
		}
		prev = n
	}
}

// --- Collection Tests ---

func TestFind_InsertionOrder(t *testing.T) {
	c, _, _ := seedCollection(t,
		bson.M{"name": "a", "shard": "x"},
		bson.M{"name": "b", "shard": "y"},
		bson.M{"name": "c", "shard": "x"},
		bson.M{"name": "d", "shard": "x"},
	)
	if diff := cmp.Diff([]string{"a", "c", "d"}, names(t, c, bson.M{"shard": "x"})); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestFind_SendsFilterExpression(t *testing.T) {
	c, api, _ := seedCollection(t, bson.M{"name": "a", "shard": "x"})
	names(t, c, bson.M{"shard": "x"})

	scan := api.scans[len(api.scans)-1]
	if scan.FilterExpression == nil {
		t.Fatal("expected a filter expression")
	}
	if !aws.ToBool(scan.ConsistentRead) {
		t.Error("expected consistent reads")
	}
}

func TestFind_NoExpressionForUnfilteredScan(t *testing.T) {
	c, api, _ := seedCollection(t, bson.M{"name": "a"})
	names(t, c, bson.M{})

	scan := api.scans[len(api.scans)-1]
	if scan.FilterExpression != nil || scan.ExpressionAttributeNames != nil || scan.ExpressionAttributeValues != nil {
		t.Errorf("expected a bare scan, got %+v", scan)
	}
}

func TestFindOne_ByIdentifierUsesGetItem(t *testing.T) {
	c, api, ids := seedCollection(t, bson.M{"name": "a"}, bson.M{"name": "b"})
	scans := len(api.scans)

	rec, err := c.FindOne(context.Background(), bson.M{"_id": ids[1]}, store.FindOptions{})
	if err != nil {
		t.Fatalf("FindOne failed: %v", err)
	}
	if rec["name"] != "b" {
		t.Errorf("expected b, got %v", rec)
	}
	if len(api.scans) != scans {
		t.Error("expected no scan for a pinned identifier")
	}
}

func TestFindOne_ByIdentifierChecksRestOfFilter(t *testing.T) {
	c, _, ids := seedCollection(t, bson.M{"name": "a"})
	rec, err := c.FindOne(context.Background(), bson.M{"_id": ids[0], "name": "z"}, store.FindOptions{})
	if err != nil || rec != nil {
		t.Errorf("expected (nil, nil), got (%v, %v)", rec, err)
	}
}

func TestInsertMany_Duplicate(t *testing.T) {
	oid := primitive.NewObjectID()
	c, _, _ := seedCollection(t, bson.M{"_id": oid, "name": "a"})
	_, err := c.InsertMany(context.Background(), []bson.M{{"_id": oid, "name": "b"}})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestUpdateMany_CompilesUpdate(t *testing.T) {
	c, api, _ := seedCollection(t,
		bson.M{"name": "a", "shard": "x"},
		bson.M{"name": "b", "shard": "x", "state": "done"},
		bson.M{"name": "c", "shard": "y"},
	)
	res, err := c.UpdateMany(context.Background(),
		bson.M{"shard": "x"},
		bson.M{"$set": bson.M{"state": "done"}},
		store.UpdateOptions{})
	if err != nil {
		t.Fatalf("UpdateMany failed: %v", err)
	}
	if res.Matched != 2 || res.Modified != 1 {
		t.Errorf("expected matched=2 modified=1, got %+v", res)
	}
	if len(api.updates) != 2 {
		t.Fatalf("expected 2 UpdateItem calls, got %d", len(api.updates))
	}
	in := api.updates[0]
	if got := aws.ToString(in.UpdateExpression); got != "SET #n0 = :v0" {
		t.Errorf("unexpected update expression %q", got)
	}
	if got := aws.ToString(in.ConditionExpression); got != "attribute_exists(#n1)" {
		t.Errorf("unexpected condition expression %q", got)
	}
	if diff := cmp.Diff(map[string]string{"#n0": "state", "#n1": "_id"}, in.ExpressionAttributeNames); diff != "" {
		t.Errorf("unexpected names (-want +got):\n%s", diff)
	}
}

func TestUpdateMany_Upsert(t *testing.T) {
	c, _, _ := seedCollection(t)
	res, err := c.UpdateMany(context.Background(),
		bson.M{"shard": "x", "name": "a"},
		bson.M{"$set": bson.M{"state": "new"}},
		store.UpdateOptions{Upsert: true})
	if err != nil {
		t.Fatalf("UpdateMany failed: %v", err)
	}
	if res.UpsertedID == nil {
		t.Fatal("expected an upserted id")
	}
	rec, err := c.FindOne(context.Background(), bson.M{"_id": *res.UpsertedID}, store.FindOptions{})
	if err != nil {
		t.Fatalf("FindOne failed: %v", err)
	}
	want := bson.M{"_id": *res.UpsertedID, "shard": "x", "name": "a", "state": "new"}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("unexpected upserted record (-want +got):\n%s", diff)
	}
}

func TestDeleteMany(t *testing.T) {
	c, _, _ := seedCollection(t,
		bson.M{"name": "a", "shard": "x"},
		bson.M{"name": "b", "shard": "y"},
		bson.M{"name": "c", "shard": "x"},
	)
	n, err := c.DeleteMany(context.Background(), bson.M{"shard": "x"})
	if err != nil {
		t.Fatalf("DeleteMany failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deleted, got %d", n)
	}
	if diff := cmp.Diff([]string{"b"}, names(t, c, bson.M{})); diff != "" {
		t.Errorf("unexpected remaining records (-want +got):\n%s", diff)
	}
}

func TestFindOneAndDelete(t *testing.T) {
	c, _, ids := seedCollection(t, bson.M{"name": "a"})
	rec, err := c.FindOneAndDelete(context.Background(), bson.M{"_id": ids[0]})
	if err != nil {
		t.Fatalf("FindOneAndDelete failed: %v", err)
	}
	if rec["name"] != "a" || rec["_id"] != ids[0] {
		t.Errorf("expected the deleted record, got %v", rec)
	}

	rec, err = c.FindOneAndDelete(context.Background(), bson.M{"_id": ids[0]})
	if err != nil || rec != nil {
		t.Errorf("expected (nil, nil), got (%v, %v)", rec, err)
	}
}

func TestDistinct_InsertionOrder(t *testing.T) {
	c, _, _ := seedCollection(t,
		bson.M{"shard": "b"},
		bson.M{"shard": "a"},
		bson.M{"shard": "b"},
	)
	got, err := c.Distinct(context.Background(), "shard", bson.M{})
	if err != nil {
		t.Fatalf("Distinct failed: %v", err)
	}
	if diff := cmp.Diff([]any{"b", "a"}, got); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestScan_MissingTable(t *testing.T) {
	c, api, _ := seedCollection(t)
	api.scanErr = &types.ResourceNotFoundException{Message: aws.String("no table")}

	_, err := c.Distinct(context.Background(), "shard", bson.M{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
