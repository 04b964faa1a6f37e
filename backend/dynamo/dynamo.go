// Package dynamo adapts DynamoDB tables to store.Backend.
//
// Each collection is one table with the string hash key "_id" holding the
// record's ObjectID in hex. Filters are partly compiled into condition
// expressions evaluated by DynamoDB and always re-checked client-side with
// MongoDB semantics; updates compile into update expressions applied item
// by item. Collation is not supported and ignored.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/jacentio/shardwise/internal/query"
	"github.com/jacentio/shardwise/store"
)

// ErrDuplicateKey is returned when an insert reuses an existing _id.
var ErrDuplicateKey = errors.New("dynamo: duplicate _id")

// API is the subset of the DynamoDB client used by Collection.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	dynamodb.ScanAPIClient
}

// Config holds settings for dialing DynamoDB.
type Config struct {
	// TablePrefix is prepended to collection names to form table names.
	// Default: "" (no prefix)
	TablePrefix string

	// Region overrides the region from the environment.
	// Default: "" (from the AWS configuration chain)
	Region string
}

// Dial connects with the default Config. It is a store.Dialer.
func Dial(ctx context.Context, endpoint string) (store.Database, error) {
	return Config{}.Dial(ctx, endpoint)
}

// Dial loads the AWS configuration and returns a Database. A non-empty
// endpoint overrides the service endpoint, as for DynamoDB Local.
func (c Config) Dial(ctx context.Context, endpoint string) (store.Database, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewDatabase(client, c), nil
}

// Database maps collection names to tables.
type Database struct {
	client *dynamodb.Client
	config Config
}

var _ store.Database = (*Database)(nil)

// NewDatabase wraps client.
func NewDatabase(client *dynamodb.Client, config Config) *Database {
	return &Database{client: client, config: config}
}

// Collection returns the collection stored in table TablePrefix+name.
func (d *Database) Collection(name string) store.Backend {
	return New(d.client, d.config.TablePrefix+name)
}

// Close is a no-op; the client holds no connections that need closing.
func (d *Database) Close(context.Context) error {
	return nil
}

// EnsureCollection creates the table for name if it does not exist, with
// a stream of new and old images for change notification, and waits until
// it is active.
func (d *Database) EnsureCollection(ctx context.Context, name string) error {
	table := d.config.TablePrefix + name
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe table %s: %w", table, err)
	}

	_, err = d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(idKey), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(idKey), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
		StreamSpecification: &types.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: types.StreamViewTypeNewAndOldImages,
		},
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(d.client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, 2*time.Minute)
}

// DropCollection deletes the table for name and waits until it is gone. A
// missing table is not an error.
func (d *Database) DropCollection(ctx context.Context, name string) error {
	table := d.config.TablePrefix + name
	_, err := d.client.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(table)})
	var notFound *types.ResourceNotFoundException
	switch {
	case errors.As(err, &notFound):
		return nil
	case err != nil:
		return fmt.Errorf("delete table %s: %w", table, err)
	}

	waiter := dynamodb.NewTableNotExistsWaiter(d.client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, 2*time.Minute)
}

// Collection is a store.Backend over one DynamoDB table.
type Collection struct {
	client API
	table  string
}

var _ store.Backend = (*Collection)(nil)

// New returns the collection stored in table.
func New(client API, table string) *Collection {
	return &Collection{client: client, table: table}
}

// scan returns the records matching filter in insertion order. A pinned
// identifier is read with GetItem instead of a scan.
func (c *Collection) scan(ctx context.Context, filter bson.M) ([]map[string]any, error) {
	f := query.Document(filter)

	if oid, ok := filter[idKey].(primitive.ObjectID); ok {
		out, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(c.table),
			Key:            key(oid),
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return nil, c.mapError(err)
		}
		if out.Item == nil {
			return nil, nil
		}
		rec, _, err := fromItem(out.Item)
		if err != nil {
			return nil, err
		}
		ok, err := query.Match(rec, f)
		if err != nil || !ok {
			return nil, err
		}
		return []map[string]any{rec}, nil
	}

	input := &dynamodb.ScanInput{
		TableName:      aws.String(c.table),
		ConsistentRead: aws.Bool(true),
	}
	expr := newExpression()
	if cond := expr.filter(filter); cond != "" {
		input.FilterExpression = aws.String(cond)
		input.ExpressionAttributeNames = expr.attributeNames()
		input.ExpressionAttributeValues = expr.attributeValues()
	}

	type stamped struct {
		rec map[string]any
		seq int64
	}
	var found []stamped
	paginator := dynamodb.NewScanPaginator(c.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, c.mapError(err)
		}
		for _, item := range page.Items {
			rec, seq, err := fromItem(item)
			if err != nil {
				return nil, err
			}
			ok, err := query.Match(rec, f)
			if err != nil {
				return nil, err
			}
			if ok {
				found = append(found, stamped{rec: rec, seq: seq})
			}
		}
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	recs := make([]map[string]any, len(found))
	for i, s := range found {
		recs[i] = s.rec
	}
	return recs, nil
}

func (c *Collection) find(ctx context.Context, filter bson.M, opts store.FindOptions) ([]map[string]any, error) {
	ctx, cancel := withMaxTime(ctx, opts.MaxTime)
	defer cancel()

	recs, err := c.scan(ctx, filter)
	if err != nil {
		return nil, err
	}
	query.Sort(recs, opts.Sort)
	for i, rec := range recs {
		recs[i] = query.Project(rec, opts.Projection)
	}
	return recs, nil
}

func (c *Collection) FindOne(ctx context.Context, filter bson.M, opts store.FindOptions) (bson.M, error) {
	recs, err := c.find(ctx, filter, opts)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (c *Collection) Find(ctx context.Context, filter bson.M, opts store.FindOptions) iter.Seq2[bson.M, error] {
	return func(yield func(bson.M, error) bool) {
		recs, err := c.find(ctx, filter, opts)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, rec := range recs {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// InsertMany puts docs one by one and stops at the first failure; earlier
// items stay written.
func (c *Collection) InsertMany(ctx context.Context, docs []bson.M) ([]primitive.ObjectID, error) {
	ids := make([]primitive.ObjectID, 0, len(docs))
	for _, doc := range docs {
		rec := bson.M(query.Document(doc))
		if _, ok := rec[idKey]; !ok {
			rec[idKey] = primitive.NewObjectID()
		}
		if err := c.put(ctx, rec); err != nil {
			return ids, err
		}
		ids = append(ids, rec[idKey].(primitive.ObjectID))
	}
	return ids, nil
}

func (c *Collection) put(ctx context.Context, rec bson.M) error {
	item, err := toItem(rec, nextSeq())
	if err != nil {
		return err
	}
	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(c.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": idKey},
	})
	if isConditionFailed(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, item[idKey].(*types.AttributeValueMemberS).Value)
	}
	return c.mapError(err)
}

// upsert inserts the record seeded from filter with update applied.
func (c *Collection) upsert(ctx context.Context, filter, update bson.M) (bson.M, error) {
	doc, _, err := query.Apply(query.Seed(query.Document(filter)), update)
	if err != nil {
		return nil, err
	}
	if _, ok := doc[idKey].(primitive.ObjectID); !ok {
		doc[idKey] = primitive.NewObjectID()
	}
	if err := c.put(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// updateItem applies a compiled update to one record. It returns nil when
// the record disappeared since it was read.
func (c *Collection) updateItem(ctx context.Context, rec map[string]any, update bson.M, returnValues types.ReturnValue) (map[string]types.AttributeValue, bool, error) {
	oid := rec[idKey].(primitive.ObjectID)
	expr := newExpression()
	updateExpr, err := expr.update(update)
	if err != nil {
		return nil, false, err
	}
	cond := fmt.Sprintf("attribute_exists(%s)", expr.name(idKey))

	out, err := c.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.table),
		Key:                       key(oid),
		UpdateExpression:          aws.String(updateExpr),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  expr.attributeNames(),
		ExpressionAttributeValues: expr.attributeValues(),
		ReturnValues:              returnValues,
	})
	if isConditionFailed(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, c.mapError(err)
	}
	return out.Attributes, true, nil
}

// UpdateMany updates the matches one by one. A failure leaves the records
// updated before it as they are.
func (c *Collection) UpdateMany(ctx context.Context, filter, update bson.M, opts store.UpdateOptions) (store.UpdateResult, error) {
	ctx, cancel := withMaxTime(ctx, opts.MaxTime)
	defer cancel()

	recs, err := c.scan(ctx, filter)
	if err != nil {
		return store.UpdateResult{}, err
	}

	var result store.UpdateResult
	if len(recs) == 0 && opts.Upsert {
		doc, err := c.upsert(ctx, filter, update)
		if err != nil {
			return result, err
		}
		oid := doc[idKey].(primitive.ObjectID)
		result.UpsertedID = &oid
		return result, nil
	}

	for _, rec := range recs {
		_, changed, err := query.Apply(rec, update)
		if err != nil {
			return result, err
		}
		_, ok, err := c.updateItem(ctx, rec, update, types.ReturnValueNone)
		if err != nil {
			return result, err
		}
		if !ok {
			continue
		}
		result.Matched++
		if changed {
			result.Modified++
		}
	}
	return result, nil
}

func (c *Collection) FindOneAndUpdate(ctx context.Context, filter, update bson.M, opts store.UpdateOptions) (bson.M, error) {
	ctx, cancel := withMaxTime(ctx, opts.MaxTime)
	defer cancel()

	recs, err := c.scan(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		if !opts.Upsert {
			return nil, nil
		}
		doc, err := c.upsert(ctx, filter, update)
		if err != nil || !opts.ReturnNew {
			return nil, err
		}
		return doc, nil
	}

	returnValues := types.ReturnValueAllOld
	if opts.ReturnNew {
		returnValues = types.ReturnValueAllNew
	}
	attrs, ok, err := c.updateItem(ctx, recs[0], update, returnValues)
	if err != nil || !ok {
		return nil, err
	}
	rec, _, err := fromItem(attrs)
	return rec, err
}

func (c *Collection) deleteItem(ctx context.Context, oid primitive.ObjectID) (map[string]types.AttributeValue, bool, error) {
	out, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(c.table),
		Key:                      key(oid),
		ConditionExpression:      aws.String("attribute_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": idKey},
		ReturnValues:             types.ReturnValueAllOld,
	})
	if isConditionFailed(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, c.mapError(err)
	}
	return out.Attributes, true, nil
}

func (c *Collection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	recs, err := c.scan(ctx, filter)
	if err != nil {
		return 0, err
	}
	var deleted int64
	for _, rec := range recs {
		_, ok, err := c.deleteItem(ctx, rec[idKey].(primitive.ObjectID))
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

func (c *Collection) FindOneAndDelete(ctx context.Context, filter bson.M) (bson.M, error) {
	recs, err := c.scan(ctx, filter)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	attrs, ok, err := c.deleteItem(ctx, recs[0][idKey].(primitive.ObjectID))
	if err != nil || !ok {
		return nil, err
	}
	rec, _, err := fromItem(attrs)
	return rec, err
}

func (c *Collection) Distinct(ctx context.Context, field string, filter bson.M) ([]any, error) {
	recs, err := c.scan(ctx, filter)
	if err != nil {
		return nil, err
	}
	values := query.Distinct(recs, field)
	if values == nil {
		values = []any{}
	}
	return values, nil
}

// mapError marks a missing table with store.ErrNotFound.
func (c *Collection) mapError(err error) error {
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: table %s: %w", store.ErrNotFound, c.table, err)
	}
	return err
}

func isConditionFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

func withMaxTime(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
