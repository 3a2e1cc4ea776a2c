package distlock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ignite/relay/internal/pkg/logger"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoLocker.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// lockItem is the stored lock record. expires_at doubles as the table's
// TTL attribute.
type lockItem struct {
	Key       string `dynamodbav:"pk"`
	Owner     string `dynamodbav:"owner"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

// DynamoLocker implements Locker with conditional writes.
type DynamoLocker struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

// NewDynamoLocker creates a DynamoDB-backed Locker.
func NewDynamoLocker(client DynamoAPI, table string) *DynamoLocker {
	return &DynamoLocker{client: client, table: table, now: time.Now}
}

func (l *DynamoLocker) pk(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: key}}
}

// Acquire writes the lock item if it is absent or expired.
func (l *DynamoLocker) Acquire(ctx context.Context, key string, opts Options) bool {
	now := l.now()
	item, err := attributevalue.MarshalMap(lockItem{
		Key:       key,
		Owner:     opts.value(),
		ExpiresAt: now.Add(opts.ttl()).UnixMilli(),
	})
	if err != nil {
		logger.Error("distlock: marshal dynamodb item", "key", key, "error", err)
		return false
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
	})
	if err == nil {
		return true
	}
	var cond *types.ConditionalCheckFailedException
	if !errors.As(err, &cond) {
		logger.Warn("distlock: dynamodb acquire failed", "key", key, "error", err)
		return false
	}
	if opts.Owner == "" {
		return false
	}

	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.table),
		Key:            l.pk(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		logger.Warn("distlock: dynamodb owner check failed", "key", key, "error", err)
		return false
	}
	if out.Item == nil {
		return false
	}
	var held lockItem
	if err := attributevalue.UnmarshalMap(out.Item, &held); err != nil {
		return false
	}
	return held.Owner == opts.Owner && held.ExpiresAt >= now.UnixMilli()
}

// Release deletes the lock item.
func (l *DynamoLocker) Release(ctx context.Context, key string) error {
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.table),
		Key:       l.pk(key),
	})
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}
