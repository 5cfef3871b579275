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
)

// ClaimInbound records messageID as seen. It returns false when the id was
// already claimed, which makes redelivered channel webhooks idempotent.
func (c *Client) ClaimInbound(ctx context.Context, messageID string) (bool, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return false, errors.New("repository: ClaimInbound: message id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: claimPK(messageID)},
			"SK":        &types.AttributeValueMemberS{Value: skClaim},
			"claimedAt": &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339Nano)},
			"ttl":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", c.ttlValue(claimTTLDefault))},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		if isConditionFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: ClaimInbound: %w", err)
	}
	return true, nil
}
