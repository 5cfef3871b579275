package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"course-concierge/internal/domain"
)

// GetBinding returns the context bound to userKey. ok is false when no binding exists.
func (c *Client) GetBinding(ctx context.Context, userKey string) (domain.ContextBinding, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userKey)},
			"SK": &types.AttributeValueMemberS{Value: skBinding},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ContextBinding{}, false, fmt.Errorf("repository: GetBinding get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ContextBinding{}, false, nil
	}
	b, err := itemToBinding(out.Item)
	if err != nil {
		return domain.ContextBinding{}, false, fmt.Errorf("repository: GetBinding decode: %w", err)
	}
	return b, true, nil
}

// PutBinding upserts the userKey binding. The first createdAt is preserved.
func (c *Client) PutBinding(ctx context.Context, userKey, contextID string) error {
	if strings.TrimSpace(userKey) == "" || strings.TrimSpace(contextID) == "" {
		return errors.New("repository: PutBinding: user key and context id are required")
	}
	now := c.now().UTC().Format(time.RFC3339Nano)
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userKey)},
			"SK": &types.AttributeValueMemberS{Value: skBinding},
		},
		UpdateExpression: aws.String("SET userKey = :u, contextId = :c, updatedAt = :now, createdAt = if_not_exists(createdAt, :now)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u":   &types.AttributeValueMemberS{Value: userKey},
			":c":   &types.AttributeValueMemberS{Value: contextID},
			":now": &types.AttributeValueMemberS{Value: now},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutBinding: %w", err)
	}
	return nil
}

// FindUserByContext queries the contextId GSI for the owning user key.
func (c *Client) FindUserByContext(ctx context.Context, contextID string) (string, bool, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(contextIDIndex),
		KeyConditionExpression: aws.String("contextId = :c"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberS{Value: contextID},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return "", false, fmt.Errorf("repository: FindUserByContext query: %w", err)
	}
	if out == nil || len(out.Items) == 0 {
		return "", false, nil
	}
	userKey, err := strAttr(out.Items[0], "userKey")
	if err != nil {
		return "", false, fmt.Errorf("repository: FindUserByContext decode: %w", err)
	}
	return userKey, true, nil
}

// DeleteBinding removes a binding. Used for administrative cleanup only.
func (c *Client) DeleteBinding(ctx context.Context, userKey string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userKey)},
			"SK": &types.AttributeValueMemberS{Value: skBinding},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteBinding: %w", err)
	}
	return nil
}

func itemToBinding(item map[string]types.AttributeValue) (domain.ContextBinding, error) {
	userKey, err := strAttr(item, "userKey")
	if err != nil {
		return domain.ContextBinding{}, err
	}
	contextID, err := strAttr(item, "contextId")
	if err != nil {
		return domain.ContextBinding{}, err
	}
	return domain.ContextBinding{
		UserKey:   userKey,
		ContextID: contextID,
		CreatedAt: timeAttr(item, "createdAt"),
		UpdatedAt: timeAttr(item, "updatedAt"),
	}, nil
}
