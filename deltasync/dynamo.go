package deltasync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

const (
	dynamoKeyAttr  = "operation_hash"
	dynamoTimeAttr = "last_sync_at"
)

type DynamoConfig struct {
	Table  string `mapstructure:"table" default:"ultrasync_sync_states"`
	Region string `mapstructure:"region"`
	// Endpoint overrides the service endpoint, e.g. for DynamoDB Local.
	Endpoint string `mapstructure:"endpoint"`
}

// DynamoAPI is the part of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoStore keeps sync times as epoch milliseconds in a DynamoDB table keyed
// by operation_hash.
type DynamoStore struct {
	api   DynamoAPI
	table string
}

func NewDynamoStore(api DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{api: api, table: table}
}

// NewDynamoClient loads the default AWS config and traces every call.
func NewDynamoClient(ctx context.Context, cfg DynamoConfig) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("deltasync: load aws config: %w", err)
	}
	NewAWSMiddlewares().Append(&awsCfg.APIOptions)
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

func (s *DynamoStore) Load(ctx context.Context, hash string) (time.Time, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            map[string]types.AttributeValue{dynamoKeyAttr: &types.AttributeValueMemberS{Value: hash}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return time.Time{}, false, mapDynamoError("load", hash, err)
	}
	if len(out.Item) == 0 {
		return time.Time{}, false, nil
	}
	attr, ok := out.Item[dynamoTimeAttr].(*types.AttributeValueMemberN)
	if !ok {
		return time.Time{}, false, fmt.Errorf("deltasync: load %s: %s is not a number", hash, dynamoTimeAttr)
	}
	ms, err := strconv.ParseInt(attr.Value, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("deltasync: load %s: %w", hash, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (s *DynamoStore) Save(ctx context.Context, hash string, t time.Time) error {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			dynamoKeyAttr:  &types.AttributeValueMemberS{Value: hash},
			dynamoTimeAttr: &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)},
		},
	})
	if err != nil {
		return mapDynamoError("save", hash, err)
	}
	return nil
}

// mapDynamoError folds a missing table or denied access into
// ErrStoreUnavailable so callers can fall back to a full sync.
func mapDynamoError(op, hash string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ResourceNotFoundException", "AccessDeniedException", "UnrecognizedClientException":
			return fmt.Errorf("deltasync: %s %s: %w: %s", op, hash, ErrStoreUnavailable, apiErr.ErrorMessage())
		}
	}
	return fmt.Errorf("deltasync: %s %s: %w", op, hash, err)
}
