// Package dynamo provides a storage backend on Amazon DynamoDB.
//
// All collections share one table keyed by (namespace, key). Each item
// carries the value as a binary attribute, an "expires" attribute in epoch
// milliseconds used by DeleteExpired, and a "ttl" attribute in epoch seconds
// that DynamoDB's own TTL sweeper acts on.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/requests-cache/requests-cache-sub000/pkg/logging"
	"github.com/requests-cache/requests-cache-sub000/pkg/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultTable is the table created when Config.Table is empty.
	DefaultTable = "http_cache"

	// DefaultRegion is used when neither Config.Region nor the shared AWS
	// configuration names one.
	DefaultRegion = "us-east-1"

	// DefaultTTLOffset keeps expired responses in the table for an extra
	// hour, so they can still be revalidated or served as stale.
	DefaultTTLOffset = time.Hour

	// batchSize is the BatchWriteItem limit.
	batchSize = 25

	attrNamespace = "namespace"
	attrKey       = "key"
	attrValue     = "value"
	attrExpires   = "expires"
	attrTTL       = "ttl"
)

// Config holds connection and table settings.
type Config struct {
	// Table is the table name (default: http_cache).
	Table string

	// Region is the AWS region. When empty, AWS_REGION and the shared
	// config file are consulted before DefaultRegion.
	Region string

	// Endpoint overrides the service endpoint, e.g. for DynamoDB Local.
	Endpoint string

	// AccessKeyID and SecretAccessKey override the default credential chain
	// (environment, shared config and credentials files, SSO, web identity,
	// container and instance roles).
	AccessKeyID     string
	SecretAccessKey string

	// TTLOffset is added to every response expiration to form the ttl attribute.
	TTLOffset time.Duration

	// CreateTimeout bounds the wait for a newly created table (default: 1m).
	CreateTimeout time.Duration
}

// Client is a DynamoDB table shared by the stores opened from it.
type Client struct {
	api       *dynamodb.Client
	transport *http.Transport
	table     string
	ttlOffset time.Duration
	logger    zerolog.Logger
}

// Connect creates the client and makes sure the table exists with TTL enabled.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.CreateTimeout == 0 {
		cfg.CreateTimeout = time.Minute
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	awsCfg, err := loadConfig(ctx, cfg, &http.Client{Transport: transport})
	if err != nil {
		return nil, err
	}
	api := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	if cfg.TTLOffset == 0 {
		cfg.TTLOffset = DefaultTTLOffset
	}
	c := &Client{
		api:       api,
		transport: transport,
		table:     cfg.Table,
		ttlOffset: cfg.TTLOffset,
		logger:    logging.NewLogger("dynamodb").With().Str("table", cfg.Table).Logger(),
	}
	if err := c.createTable(ctx, cfg.CreateTimeout); err != nil {
		transport.CloseIdleConnections()
		return nil, err
	}
	return c, nil
}

// loadConfig resolves region and credentials through the SDK's default
// chain, with static keys from cfg taking precedence.
func loadConfig(ctx context.Context, cfg Config, httpClient *http.Client) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithHTTPClient(httpClient)}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = DefaultRegion
	}
	return awsCfg, nil
}

func (c *Client) createTable(ctx context.Context, timeout time.Duration) error {
	_, err := c.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(c.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrNamespace), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrKey), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrNamespace), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrKey), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	switch {
	case errors.As(err, &inUse):
		return nil
	case err != nil:
		return fmt.Errorf("dynamodb create table: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(c.api)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.table)}, timeout); err != nil {
		return fmt.Errorf("dynamodb wait for table: %w", err)
	}
	c.logger.Info().Msg("Created table")

	_, err = c.api.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(c.table),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(attrTTL),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		// Expired items are still removed by DeleteExpired
		c.logger.Warn().Err(err).Msg("Failed to enable TTL")
	}
	return nil
}

// Close releases the idle connections of the client.
func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// Store is one namespace within the shared table.
type Store struct {
	client    *Client
	namespace string
}

var (
	_ storage.Store          = (*Store)(nil)
	_ storage.ExpiringStore  = (*Store)(nil)
	_ storage.ExpiredDeleter = (*Store)(nil)
)

// Namespace returns a store for the items under namespace.
func (c *Client) Namespace(namespace string) *Store {
	return &Store{client: c, namespace: namespace}
}

func (s *Store) table() *string { return aws.String(s.client.table) }

func (s *Store) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrNamespace: &types.AttributeValueMemberS{Value: s.namespace},
		attrKey:       &types.AttributeValueMemberS{Value: key},
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      s.table(),
		Key:            s.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get: %w", err)
	}
	if out.Item == nil {
		return nil, storage.ErrNotFound
	}
	return binaryValue(out.Item)
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.SetWithExpiry(ctx, key, value, time.Time{})
}

// SetWithExpiry stores value with an expires attribute and a ttl attribute
// offset by the client's TTL offset.
func (s *Store) SetWithExpiry(ctx context.Context, key string, value []byte, expires time.Time) error {
	item := s.itemKey(key)
	item[attrValue] = &types.AttributeValueMemberB{Value: value}
	if !expires.IsZero() {
		item[attrExpires] = number(expires.UnixMilli())
		item[attrTTL] = number(expires.Add(s.client.ttlOffset).Unix())
	}
	_, err := s.client.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: s.table(),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("dynamodb put: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	out, err := s.client.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    s.table(),
		Key:          s.itemKey(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return fmt.Errorf("dynamodb delete: %w", err)
	}
	if len(out.Attributes) == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// BulkDelete removes keys in batches, resending whatever the service
// reports as unprocessed.
func (s *Store) BulkDelete(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += batchSize {
		batch := keys[start:min(start+batchSize, len(keys))]
		requests := make([]types.WriteRequest, 0, len(batch))
		for _, k := range batch {
			requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: s.itemKey(k)}})
		}
		pending := map[string][]types.WriteRequest{s.client.table: requests}

		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
				}
			}
			out, err := s.client.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("dynamodb batch delete: %w", err)
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}

// query pages through every item in the namespace.
func (s *Store) query(ctx context.Context, in *dynamodb.QueryInput, fn func(*dynamodb.QueryOutput)) error {
	in.TableName = s.table()
	in.KeyConditionExpression = aws.String("#ns = :ns")
	if in.ExpressionAttributeNames == nil {
		in.ExpressionAttributeNames = map[string]string{}
	}
	in.ExpressionAttributeNames["#ns"] = attrNamespace
	if in.ExpressionAttributeValues == nil {
		in.ExpressionAttributeValues = map[string]types.AttributeValue{}
	}
	in.ExpressionAttributeValues[":ns"] = &types.AttributeValueMemberS{Value: s.namespace}
	in.ConsistentRead = aws.Bool(true)

	pages := dynamodb.NewQueryPaginator(s.client.api, in)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("dynamodb query: %w", err)
		}
		fn(page)
	}
	return nil
}

func (s *Store) keys(ctx context.Context, in *dynamodb.QueryInput) ([]string, error) {
	in.ProjectionExpression = aws.String("#k")
	if in.ExpressionAttributeNames == nil {
		in.ExpressionAttributeNames = map[string]string{}
	}
	in.ExpressionAttributeNames["#k"] = attrKey

	var keys []string
	err := s.query(ctx, in, func(page *dynamodb.QueryOutput) {
		for _, item := range page.Items {
			if k, ok := item[attrKey].(*types.AttributeValueMemberS); ok {
				keys = append(keys, k.Value)
			}
		}
	})
	return keys, err
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	return s.keys(ctx, &dynamodb.QueryInput{})
}

func (s *Store) Items(ctx context.Context) ([]storage.Item, error) {
	var (
		items   []storage.Item
		itemErr error
	)
	err := s.query(ctx, &dynamodb.QueryInput{}, func(page *dynamodb.QueryOutput) {
		for _, raw := range page.Items {
			k, ok := raw[attrKey].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			value, err := binaryValue(raw)
			if err != nil {
				itemErr = err
				continue
			}
			items = append(items, storage.Item{Key: k.Value, Value: value})
		}
	})
	if err != nil {
		return nil, err
	}
	return items, itemErr
}

func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := s.query(ctx, &dynamodb.QueryInput{Select: types.SelectCount}, func(page *dynamodb.QueryOutput) {
		n += int(page.Count)
	})
	return n, err
}

func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}
	return s.BulkDelete(ctx, keys)
}

// DeleteExpired removes items whose expires attribute is before now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	keys, err := s.keys(ctx, &dynamodb.QueryInput{
		FilterExpression:          aws.String("#e < :now"),
		ExpressionAttributeNames:  map[string]string{"#e": attrExpires},
		ExpressionAttributeValues: map[string]types.AttributeValue{":now": number(now.UnixMilli())},
	})
	if err != nil {
		return 0, err
	}
	if err := s.BulkDelete(ctx, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func number(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func binaryValue(item map[string]types.AttributeValue) ([]byte, error) {
	v, ok := item[attrValue].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("dynamodb: item has no binary %q attribute", attrValue)
	}
	return v.Value, nil
}
