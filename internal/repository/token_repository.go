package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/qcom/dirsession/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Persisted keys. Numeric configuration values are stored as decimal
// milliseconds, ROTATE_REFRESH_TOKENS as "true" or "false".
const (
	KeyAccess              = "access"
	KeyRefresh             = "refresh"
	KeyJWTRenewAtSeconds   = "JWT_RENEW_AT_SECONDS"
	KeyIdleTimeoutSeconds  = "IDLE_TIMEOUT_SECONDS"
	KeyAccessTokenLifetime = "ACCESS_TOKEN_LIFETIME"
	KeyRotateRefreshTokens = "ROTATE_REFRESH_TOKENS"
)

// ErrNotFound is returned by Get for a key that has no value.
var ErrNotFound = errors.New("key not found")

// TokenRepository is durable string key/value storage for session state.
// Implementations must be safe for concurrent use. Deleting a missing key
// is not an error.
type TokenRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// Open builds the token repository selected by cfg.Store.Backend. The returned
// function releases any client the repository holds.
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (TokenRepository, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store.Backend {
	case config.StoreMemory:
		return NewMemoryTokenRepository(), noop, nil

	case config.StoreFile:
		return NewFileTokenRepository(cfg.Store.File, logger), noop, nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Endpoint,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.WithField("endpoint", cfg.Redis.Endpoint).Info("Redis token store initialized")
		return NewRedisTokenRepository(client, cfg.Store.Namespace, logger), client.Close, nil

	case config.StoreDynamoDB:
		client, err := NewDynamoDBClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, nil, err
		}
		logger.WithField("table", cfg.DynamoDB.TableName).Info("DynamoDB token store initialized")
		return NewDynamoDBTokenRepository(client, cfg.DynamoDB.TableName, cfg.Store.Namespace, logger), noop, nil
	}

	return nil, nil, fmt.Errorf("unknown token store %q", cfg.Store.Backend)
}

// NewDynamoDBClient loads AWS configuration, honouring a custom endpoint for
// local DynamoDB.
func NewDynamoDBClient(ctx context.Context, cfg config.DynamoDBConfig) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.Endpoint,
						SigningRegion: cfg.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg), nil
}
