package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the repository.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDBTokenRepository keeps one item per key in a single-table layout:
// PK = SESSION#<namespace>, SK = <key>.
type DynamoDBTokenRepository struct {
	client    DynamoDBAPI
	tableName string
	namespace string
	logger    *logrus.Logger
}

type sessionItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Value     string `dynamodbav:"Value"`
	UpdatedAt string `dynamodbav:"UpdatedAt"`
}

func NewDynamoDBTokenRepository(client DynamoDBAPI, tableName, namespace string, logger *logrus.Logger) *DynamoDBTokenRepository {
	return &DynamoDBTokenRepository{
		client:    client,
		tableName: tableName,
		namespace: namespace,
		logger:    logger,
	}
}

func (r *DynamoDBTokenRepository) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: fmt.Sprintf("SESSION#%s", r.namespace)},
		"SK": &types.AttributeValueMemberS{Value: key},
	}
}

func (r *DynamoDBTokenRepository) Get(ctx context.Context, key string) (string, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            r.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		r.logger.WithError(err).WithField("key", key).Error("Failed to get session key from DynamoDB")
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}

	if result.Item == nil {
		return "", ErrNotFound
	}

	var item sessionItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return "", fmt.Errorf("failed to unmarshal session item: %w", err)
	}

	return item.Value, nil
}

func (r *DynamoDBTokenRepository) Set(ctx context.Context, key, value string) error {
	item, err := attributevalue.MarshalMap(sessionItem{
		PK:        fmt.Sprintf("SESSION#%s", r.namespace),
		SK:        key,
		Value:     value,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session item: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	if err != nil {
		r.logger.WithError(err).WithField("key", key).Error("Failed to store session key in DynamoDB")
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	return nil
}

func (r *DynamoDBTokenRepository) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(r.tableName),
			Key:       r.itemKey(key),
		})
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}

	return nil
}
