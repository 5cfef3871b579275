package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"course-concierge/internal/domain"
)

// SaveInteraction writes the backup record and bumps the per-user counters in one transaction.
func (c *Client) SaveInteraction(ctx context.Context, rec domain.InteractionRecord) error {
	if rec.UserKey == "" {
		return errors.New("repository: SaveInteraction: user key is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = c.now()
	}
	pk := userPK(rec.UserKey)
	ttl := fmt.Sprintf("%d", c.ttlValue(ttlDuration))
	fallbackInc := "0"
	if rec.Source == domain.SourceFallback {
		fallbackInc = "1"
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                interactionItem(pk, turnSK(rec.CreatedAt, uuid.NewString()[:8]), rec, ttl),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: pk},
						"SK": &types.AttributeValueMemberS{Value: skMeta},
					},
					UpdateExpression: aws.String("SET lastActivity = :ts, threadId = :c, #ttl = :ttl ADD turns :one, fallbacks :fb, toolCalls :tools"),
					ExpressionAttributeNames: map[string]string{
						"#ttl": "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":ts":    &types.AttributeValueMemberS{Value: rec.CreatedAt.UTC().Format(time.RFC3339)},
						":c":     &types.AttributeValueMemberS{Value: rec.ContextID},
						":ttl":   &types.AttributeValueMemberN{Value: ttl},
						":one":   &types.AttributeValueMemberN{Value: "1"},
						":fb":    &types.AttributeValueMemberN{Value: fallbackInc},
						":tools": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", rec.ToolCalls)},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveInteraction: %w", err)
	}
	return nil
}

func interactionItem(pk, sk string, rec domain.InteractionRecord, ttl string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: pk},
		"SK":         &types.AttributeValueMemberS{Value: sk},
		"userKey":    &types.AttributeValueMemberS{Value: rec.UserKey},
		"threadId":   &types.AttributeValueMemberS{Value: rec.ContextID},
		"runId":      &types.AttributeValueMemberS{Value: rec.RunID},
		"messageId":  &types.AttributeValueMemberS{Value: rec.MessageID},
		"inbound":    &types.AttributeValueMemberS{Value: rec.Inbound},
		"reply":      &types.AttributeValueMemberS{Value: rec.Reply},
		"source":     &types.AttributeValueMemberS{Value: string(rec.Source)},
		"status":     &types.AttributeValueMemberS{Value: string(rec.Status)},
		"toolCalls":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", rec.ToolCalls)},
		"deliveryId": &types.AttributeValueMemberS{Value: rec.DeliveryID},
		"createdAt":  &types.AttributeValueMemberS{Value: rec.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":        &types.AttributeValueMemberN{Value: ttl},
	}
}
