package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/jacentio/shardwise/store"
)

func seed(t *testing.T, docs ...bson.M) (*Collection, []primitive.ObjectID) {
	t.Helper()
	c := New().Collection("things").(*Collection)
	ids, err := c.InsertMany(context.Background(), docs)
	if err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}
	return c, ids
}

func names(t *testing.T, c *Collection, filter bson.M, opts store.FindOptions) []string {
	t.Helper()
	var result []string
	for rec, err := range c.Find(context.Background(), filter, opts) {
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		name, _ := rec["name"].(string)
		result = append(result, name)
	}
	return result
}

// --- Insert / Find Tests ---

func TestInsertMany_GeneratesIDs(t *testing.T) {
	c, ids := seed(t, bson.M{"name": "a"}, bson.M{"name": "b"})
	if len(ids) != 2 || ids[0] == ids[1] || ids[0].IsZero() {
		t.Errorf("expected two distinct generated ids, got %v", ids)
	}
	if c.Len() != 2 {
		t.Errorf("expected 2 records, got %d", c.Len())
	}
}

func TestInsertMany_KeepsGivenID(t *testing.T) {
	oid := primitive.NewObjectID()
	_, ids := seed(t, bson.M{"_id": oid, "name": "a"})
	if ids[0] != oid {
		t.Errorf("expected %s, got %s", oid.Hex(), ids[0].Hex())
	}
}

func TestInsertMany_DuplicateIsAtomic(t *testing.T) {
	oid := primitive.NewObjectID()
	c, _ := seed(t, bson.M{"_id": oid, "name": "a"})

	_, err := c.InsertMany(context.Background(), []bson.M{{"name": "b"}, {"_id": oid, "name": "c"}})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if c.Len() != 1 {
		t.Errorf("expected the failed batch to insert nothing, got %d records", c.Len())
	}
}

func TestFind_InsertionOrder(t *testing.T) {
	c, _ := seed(t,
		bson.M{"name": "c", "shard": "b"},
		bson.M{"name": "a", "shard": "a"},
		bson.M{"name": "b", "shard": "b"},
	)
	got := names(t, c, bson.M{"shard": "b"}, store.FindOptions{})
	if diff := cmp.Diff([]string{"c", "b"}, got); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestFind_SortAndProjection(t *testing.T) {
	c, _ := seed(t,
		bson.M{"name": "b", "n": 2},
		bson.M{"name": "a", "n": 1},
		bson.M{"name": "c", "n": 3},
	)
	opts := store.FindOptions{Sort: bson.D{{Key: "n", Value: -1}}, Projection: bson.M{"name": 1}}
	var got []bson.M
	for rec, err := range c.Find(context.Background(), bson.M{}, opts) {
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		got = append(got, rec)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0]["name"] != "c" || got[2]["name"] != "a" {
		t.Errorf("expected descending order, got %v", got)
	}
	if _, ok := got[0]["n"]; ok {
		t.Errorf("expected n to be projected out, got %v", got[0])
	}
	if _, ok := got[0]["_id"]; !ok {
		t.Errorf("expected _id to be kept, got %v", got[0])
	}
}

func TestFind_ReturnsCopies(t *testing.T) {
	c, ids := seed(t, bson.M{"name": "a"})
	rec, err := c.FindOne(context.Background(), bson.M{"_id": ids[0]}, store.FindOptions{})
	if err != nil || rec == nil {
		t.Fatalf("FindOne failed: %v", err)
	}
	rec["name"] = "mutated"
	again, _ := c.FindOne(context.Background(), bson.M{"_id": ids[0]}, store.FindOptions{})
	if again["name"] != "a" {
		t.Errorf("expected stored record to be unaffected, got %v", again["name"])
	}
}

func TestFindOne_NoMatch(t *testing.T) {
	c, _ := seed(t, bson.M{"name": "a"})
	rec, err := c.FindOne(context.Background(), bson.M{"name": "z"}, store.FindOptions{})
	if err != nil || rec != nil {
		t.Errorf("expected (nil, nil), got (%v, %v)", rec, err)
	}
}

func TestFind_CancelledContext(t *testing.T) {
	c, _ := seed(t, bson.M{"name": "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range c.Find(ctx, bson.M{}, store.FindOptions{}) {
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	}
}

// --- Update Tests ---

func TestUpdateMany_Counts(t *testing.T) {
	c, _ := seed(t,
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
}

func TestUpdateMany_Upsert(t *testing.T) {
	c, _ := seed(t)
	res, err := c.UpdateMany(context.Background(),
		bson.M{"shard": "x", "name": bson.M{"$eq": "a"}},
		bson.M{"$set": bson.M{"state": "new"}},
		store.UpdateOptions{Upsert: true})
	if err != nil {
		t.Fatalf("UpdateMany failed: %v", err)
	}
	if res.UpsertedID == nil {
		t.Fatal("expected an upserted id")
	}
	rec, _ := c.FindOne(context.Background(), bson.M{"_id": *res.UpsertedID}, store.FindOptions{})
	want := bson.M{"_id": *res.UpsertedID, "shard": "x", "name": "a", "state": "new"}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("unexpected upserted record (-want +got):\n%s", diff)
	}
}

func TestUpdateMany_FailureLeavesRecordsUntouched(t *testing.T) {
	c, _ := seed(t,
		bson.M{"name": "a", "log": bson.A{"x"}},
		bson.M{"name": "b", "log": "scalar"},
	)
	_, err := c.UpdateMany(context.Background(), bson.M{},
		bson.M{"$push": bson.M{"log": bson.M{"$each": bson.A{"y"}}}},
		store.UpdateOptions{})
	if err == nil {
		t.Fatal("expected push to a scalar to fail")
	}
	rec, _ := c.FindOne(context.Background(), bson.M{"name": "a"}, store.FindOptions{})
	if diff := cmp.Diff([]any{"x"}, rec["log"]); diff != "" {
		t.Errorf("expected first record unchanged (-want +got):\n%s", diff)
	}
}

func TestFindOneAndUpdate_ReturnDocument(t *testing.T) {
	c, ids := seed(t, bson.M{"name": "a", "n": 1})
	update := bson.M{"$set": bson.M{"n": 2}}

	after, err := c.FindOneAndUpdate(context.Background(), bson.M{"_id": ids[0]}, update, store.UpdateOptions{ReturnNew: true})
	if err != nil {
		t.Fatalf("FindOneAndUpdate failed: %v", err)
	}
	if after["n"] != 2 {
		t.Errorf("expected updated record, got %v", after)
	}

	before, err := c.FindOneAndUpdate(context.Background(), bson.M{"_id": ids[0]}, bson.M{"$set": bson.M{"n": 3}}, store.UpdateOptions{})
	if err != nil {
		t.Fatalf("FindOneAndUpdate failed: %v", err)
	}
	if before["n"] != 2 {
		t.Errorf("expected previous record, got %v", before)
	}
}

func TestFindOneAndUpdate_NoMatch(t *testing.T) {
	c, _ := seed(t, bson.M{"name": "a"})
	rec, err := c.FindOneAndUpdate(context.Background(), bson.M{"_id": primitive.NewObjectID()},
		bson.M{"$set": bson.M{"n": 1}}, store.UpdateOptions{ReturnNew: true})
	if err != nil || rec != nil {
		t.Errorf("expected (nil, nil), got (%v, %v)", rec, err)
	}
}

// --- Delete Tests ---

func TestDeleteMany(t *testing.T) {
	c, _ := seed(t,
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
	if diff := cmp.Diff([]string{"b"}, names(t, c, bson.M{}, store.FindOptions{})); diff != "" {
		t.Errorf("unexpected remaining records (-want +got):\n%s", diff)
	}
}

func TestFindOneAndDelete(t *testing.T) {
	c, ids := seed(t, bson.M{"name": "a"}, bson.M{"name": "b"})
	rec, err := c.FindOneAndDelete(context.Background(), bson.M{"_id": ids[1]})
	if err != nil {
		t.Fatalf("FindOneAndDelete failed: %v", err)
	}
	if rec["name"] != "b" {
		t.Errorf("expected deleted record b, got %v", rec)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 record left, got %d", c.Len())
	}

	rec, err = c.FindOneAndDelete(context.Background(), bson.M{"_id": ids[1]})
	if err != nil || rec != nil {
		t.Errorf("expected (nil, nil) on second delete, got (%v, %v)", rec, err)
	}
}

// --- Distinct Tests ---

func TestDistinct_FirstSeenOrder(t *testing.T) {
	c, _ := seed(t,
		bson.M{"shard": "b", "n": 1},
		bson.M{"shard": "a", "n": 2},
		bson.M{"shard": "b", "n": 3},
		bson.M{"shard": "c", "n": 0},
	)
	got, err := c.Distinct(context.Background(), "shard", bson.M{"n": bson.M{"$gt": 0}})
	if err != nil {
		t.Fatalf("Distinct failed: %v", err)
	}
	if diff := cmp.Diff([]any{"b", "a"}, got); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestDistinct_Empty(t *testing.T) {
	c, _ := seed(t)
	got, err := c.Distinct(context.Background(), "shard", bson.M{})
	if err != nil {
		t.Fatalf("Distinct failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", got)
	}
}

// --- Server Tests ---

func TestServer_DialAndStop(t *testing.T) {
	ctx := context.Background()
	s := Start()

	db, err := Dial(ctx, s.Endpoint())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if _, err := db.Collection("things").InsertMany(ctx, []bson.M{{"name": "a"}}); err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}

	again, err := Dial(ctx, s.Endpoint())
	if err != nil {
		t.Fatalf("second Dial failed: %v", err)
	}
	if again.Collection("things").(*Collection).Len() != 1 {
		t.Error("expected dials of the same server to share data")
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := Dial(ctx, s.Endpoint()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after Stop, got %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Errorf("expected second Stop to succeed, got %v", err)
	}
}

func TestServer_DistinctEndpoints(t *testing.T) {
	a, b := Start(), Start()
	defer a.Stop(context.Background())
	defer b.Stop(context.Background())
	if a.Endpoint() == b.Endpoint() {
		t.Errorf("expected distinct endpoints, got %s twice", a.Endpoint())
	}
}

func TestDial_UnsupportedScheme(t *testing.T) {
	if _, err := Dial(context.Background(), "mongodb://localhost"); err == nil {
		t.Error("expected an error for a non-memory endpoint")
	}
}

// --- Connection Tests ---

func TestConnectEphemeral_StopsInstanceOnClose(t *testing.T) {
	ctx := context.Background()
	s := Start()

	conn, err := store.ConnectEphemeral(ctx, s, Dial)
	if err != nil {
		t.Fatalf("ConnectEphemeral failed: %v", err)
	}
	coll, err := conn.Collection("things", store.DefaultConfig("shard"))
	if err != nil {
		t.Fatalf("Collection failed: %v", err)
	}
	if _, err := coll.Create(ctx, store.Document{"shard": "a", "name": "x"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := conn.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := Dial(ctx, s.Endpoint()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected the instance to be stopped, got %v", err)
	}
}

func TestConnect_LeavesServerRunning(t *testing.T) {
	ctx := context.Background()
	s := Start()
	defer s.Stop(ctx)

	conn, err := store.Connect(ctx, store.StaticEndpoint(s.Endpoint()), Dial)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := conn.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := Dial(ctx, s.Endpoint()); err != nil {
		t.Errorf("expected the server to keep running, got %v", err)
	}
}

func TestConnect_EndpointError(t *testing.T) {
	boom := errors.New("boom")
	endpoint := func(context.Context) (string, error) { return "", boom }
	if _, err := store.Connect(context.Background(), endpoint, Dial); !errors.Is(err, boom) {
		t.Errorf("expected endpoint error, got %v", err)
	}
}
