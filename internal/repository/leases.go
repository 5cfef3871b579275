package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// AcquireLease takes the lease on key for owner until ttl elapses. It returns
// false while another owner holds an unexpired lease. Re-acquiring an owned
// lease extends it.
func (c *Client) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" || owner == "" {
		return false, errors.New("repository: AcquireLease: key and owner are required")
	}
	if ttl <= 0 {
		return false, errors.New("repository: AcquireLease: ttl must be positive")
	}
	now := c.now()
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: leasePK(key)},
			"SK":        &types.AttributeValueMemberS{Value: skLease},
			"owner":     &types.AttributeValueMemberS{Value: owner},
			"expiresAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttl).UnixMilli(), 10)},
			"ttl":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", c.ttlValue(ttl+time.Hour))},
		},
		ConditionExpression:      aws.String("attribute_not_exists(PK) OR expiresAt < :now OR #owner = :owner"),
		ExpressionAttributeNames: map[string]string{"#owner": "owner"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":   &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: AcquireLease: %w", err)
	}
	return true, nil
}

// ReleaseLease drops the lease if owner still holds it. A lease that already
// expired or passed to another owner is left alone.
func (c *Client) ReleaseLease(ctx context.Context, key, owner string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: leasePK(strings.TrimSpace(key))},
			"SK": &types.AttributeValueMemberS{Value: skLease},
		},
		ConditionExpression:      aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{"#owner": "owner"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return nil
		}
		return fmt.Errorf("repository: ReleaseLease: %w", err)
	}
	return nil
}
