// Package dynamodb implements a lock store on a DynamoDB table using
// conditional writes.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/tendant/vstore/pkg/vstore/locks"
)

const (
	partitionValue = "LOCK"
	sortPrefix     = "RES#"

	tokenAttr   = "token"
	expiresAttr = "expires"

	tableCreationTimeout = 2 * time.Minute
)

// Client is the subset of the DynamoDB client used by the store
type Client interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store is a lock store backed by one DynamoDB table
type Store struct {
	client Client
	table  string
	now    func() time.Time
	logger *slog.Logger
}

var _ locks.Store = (*Store)(nil)

// Option configures the store
type Option func(*Store)

// WithClock sets the clock used for lease expiry
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a lock store on table
func New(client Client, table string, opts ...Option) *Store {
	s := &Store{client: client, table: table, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("table", table)
	return s
}

// NewClient creates a DynamoDB client. A non-empty endpoint targets a local
// or compatible service.
func NewClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

type itemKey struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
}

func (s *Store) key(key string) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMap(itemKey{PK: partitionValue, SK: sortPrefix + key})
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

// TryAcquire implements locks.Store
func (s *Store) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	itemKey, err := s.key(key)
	if err != nil {
		return false, err
	}
	now := s.now()
	expr, err := expression.NewBuilder().
		WithCondition(
			expression.Or(
				expression.AttributeNotExists(expression.Name("SK")),
				expression.LessThanEqual(expression.Name(expiresAttr), expression.Value(now.UnixMilli())),
			),
		).
		WithUpdate(
			expression.Set(expression.Name(tokenAttr), expression.Value(token)).
				Set(expression.Name(expiresAttr), expression.Value(now.Add(ttl).UnixMilli())),
		).
		Build()
	if err != nil {
		return false, fmt.Errorf("failed to build lock expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       itemKey,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		UpdateExpression:          expr.Update(),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			s.logger.DebugContext(ctx, "lock held by another owner", "key", key)
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return true, nil
}

// Release implements locks.Store
func (s *Store) Release(ctx context.Context, key, token string) error {
	itemKey, err := s.key(key)
	if err != nil {
		return err
	}
	expr, err := expression.NewBuilder().
		WithCondition(expression.Equal(expression.Name(tokenAttr), expression.Value(token))).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build release expression: %w", err)
	}

	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.table),
		Key:                       itemKey,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil && !isConditionalCheckFailed(err) {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// EnsureTable creates the lock table if it doesn't exist and waits until it is active
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe lock table: %w", err)
	}

	s.logger.InfoContext(ctx, "creating lock table")
	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("SK"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("SK"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return fmt.Errorf("failed to create lock table: %w", err)
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, tableCreationTimeout); err != nil {
		return fmt.Errorf("failed waiting for lock table: %w", err)
	}
	s.logger.InfoContext(ctx, "lock table ready")
	return nil
}
