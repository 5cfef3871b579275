package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"course-concierge/internal/domain"
)

type fakeDynamo struct {
	getOut          *dynamodb.GetItemOutput
	getErr          error
	putErr          error
	updateErr       error
	deleteErr       error
	queryOut        *dynamodb.QueryOutput
	queryErr        error
	txErr           error
	describeErr     error
	lastGetInput    *dynamodb.GetItemInput
	lastPutInput    *dynamodb.PutItemInput
	lastUpdateInput *dynamodb.UpdateItemInput
	lastDeleteInput *dynamodb.DeleteItemInput
	lastQueryIn     *dynamodb.QueryInput
	lastTxInput     *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateInput = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.lastDeleteInput = in
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	return f.queryOut, f.queryErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func (f *fakeDynamo) DescribeTable(_ context.Context, _ *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{}, f.describeErr
}

func makeBindingItem(userKey, contextID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(userKey)},
		"SK":        &types.AttributeValueMemberS{Value: skBinding},
		"userKey":   &types.AttributeValueMemberS{Value: userKey},
		"contextId": &types.AttributeValueMemberS{Value: contextID},
		"createdAt": &types.AttributeValueMemberS{Value: "2026-01-02T03:04:05Z"},
	}
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestNew_ValidatesArguments(t *testing.T) {
	_, err := New(nil, "t")
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, " ")
	require.Error(t, err)
}

func TestGetBinding_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeBindingItem("whatsapp:+34600111222", "thread_1")}}
	c := mustNewClient(t, db)

	b, ok, err := c.GetBinding(context.Background(), "whatsapp:+34600111222")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "thread_1", b.ContextID)
	require.Equal(t, 2026, b.CreatedAt.Year())
	require.True(t, *db.lastGetInput.ConsistentRead)
	require.Equal(t, "USER#whatsapp:+34600111222", db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)
}

func TestGetBinding_Missing(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)

	_, ok, err := c.GetBinding(context.Background(), "u")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetBinding_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: errors.New("boom")})
	_, _, err := c.GetBinding(context.Background(), "u")
	require.ErrorContains(t, err, "GetBinding get item")

	malformed := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"userKey":   &types.AttributeValueMemberS{Value: "u"},
		"contextId": &types.AttributeValueMemberN{Value: "1"},
	}}}
	c = mustNewClient(t, malformed)
	_, _, err = c.GetBinding(context.Background(), "u")
	require.ErrorContains(t, err, "decode")
}

func TestPutBinding_UpsertPreservesCreatedAt(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.PutBinding(context.Background(), "u", "thread_2"))
	require.NotNil(t, db.lastUpdateInput)
	require.Contains(t, *db.lastUpdateInput.UpdateExpression, "if_not_exists(createdAt")
	require.Equal(t, "thread_2", db.lastUpdateInput.ExpressionAttributeValues[":c"].(*types.AttributeValueMemberS).Value)
}

func TestPutBinding_Validation(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	require.Error(t, c.PutBinding(context.Background(), "", "thread"))
	require.Error(t, c.PutBinding(context.Background(), "u", " "))

	c = mustNewClient(t, &fakeDynamo{updateErr: errors.New("throttled")})
	require.ErrorContains(t, c.PutBinding(context.Background(), "u", "t"), "throttled")
}

func TestFindUserByContext_UsesIndex(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{makeBindingItem("u-1", "thread_9")}}}
	c := mustNewClient(t, db)

	user, ok, err := c.FindUserByContext(context.Background(), "thread_9")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u-1", user)
	require.Equal(t, contextIDIndex, *db.lastQueryIn.IndexName)
}

func TestFindUserByContext_NotFoundAndError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryOut: &dynamodb.QueryOutput{}})
	_, ok, err := c.FindUserByContext(context.Background(), "thread_x")
	require.NoError(t, err)
	require.False(t, ok)

	c = mustNewClient(t, &fakeDynamo{queryErr: errors.New("boom")})
	_, _, err = c.FindUserByContext(context.Background(), "thread_x")
	require.ErrorContains(t, err, "FindUserByContext")
}

func TestDeleteBinding(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.DeleteBinding(context.Background(), "u"))
	require.Equal(t, skBinding, db.lastDeleteInput.Key["SK"].(*types.AttributeValueMemberS).Value)
}

func TestClaimInbound(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	ok, err := c.ClaimInbound(context.Background(), "SM123")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, *db.lastPutInput.ConditionExpression, "attribute_not_exists")

	dup := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{Message: strPtr("exists")}}
	c = mustNewClient(t, dup)
	ok, err = c.ClaimInbound(context.Background(), "SM123")
	require.NoError(t, err)
	require.False(t, ok)

	c = mustNewClient(t, &fakeDynamo{putErr: errors.New("boom")})
	_, err = c.ClaimInbound(context.Background(), "SM123")
	require.Error(t, err)

	_, err = c.ClaimInbound(context.Background(), " ")
	require.Error(t, err)
}

func TestAcquireLease(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	ok, err := c.AcquireLease(context.Background(), "whatsapp:+34600111222", "owner-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	in := db.lastPutInput
	require.Equal(t, "LEASE#whatsapp:+34600111222", in.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "owner-a", in.Item["owner"].(*types.AttributeValueMemberS).Value)
	expires := c.now().Add(30 * time.Second).UnixMilli()
	require.Equal(t, fmt.Sprintf("%d", expires), in.Item["expiresAt"].(*types.AttributeValueMemberN).Value)
	require.Contains(t, *in.ConditionExpression, "expiresAt < :now")
	require.Equal(t, fmt.Sprintf("%d", c.now().UnixMilli()), in.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN).Value)

	held := mustNewClient(t, &fakeDynamo{putErr: &types.ConditionalCheckFailedException{Message: strPtr("held")}})
	ok, err = held.AcquireLease(context.Background(), "u", "owner-b", time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = mustNewClient(t, &fakeDynamo{putErr: errors.New("throttled")}).AcquireLease(context.Background(), "u", "o", time.Second)
	require.Error(t, err)
	_, err = c.AcquireLease(context.Background(), " ", "o", time.Second)
	require.Error(t, err)
	_, err = c.AcquireLease(context.Background(), "u", "o", 0)
	require.Error(t, err)
}

func TestReleaseLease(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.ReleaseLease(context.Background(), "u", "owner-a"))
	require.Equal(t, "LEASE#u", db.lastDeleteInput.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "#owner = :owner", *db.lastDeleteInput.ConditionExpression)

	lost := mustNewClient(t, &fakeDynamo{deleteErr: &types.ConditionalCheckFailedException{Message: strPtr("other owner")}})
	require.NoError(t, lost.ReleaseLease(context.Background(), "u", "owner-a"))

	require.Error(t, mustNewClient(t, &fakeDynamo{deleteErr: errors.New("boom")}).ReleaseLease(context.Background(), "u", "owner-a"))
}

func TestSaveInteraction_WritesTurnAndCounters(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.SaveInteraction(context.Background(), domain.InteractionRecord{
		UserKey:   "u",
		ContextID: "thread_1",
		RunID:     "run_1",
		Inbound:   "hola",
		Reply:     "¡Hola!",
		Source:    domain.SourceFallback,
		Status:    domain.RunTimeout,
		ToolCalls: 2,
	})
	require.NoError(t, err)
	require.Len(t, db.lastTxInput.TransactItems, 2)

	put := db.lastTxInput.TransactItems[0].Put
	require.Equal(t, "fallback", put.Item["source"].(*types.AttributeValueMemberS).Value)
	require.Contains(t, put.Item["SK"].(*types.AttributeValueMemberS).Value, skPrefixTurn+"2026-03-01T12:00:00Z#")

	upd := db.lastTxInput.TransactItems[1].Update
	require.Equal(t, "1", upd.ExpressionAttributeValues[":fb"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "2", upd.ExpressionAttributeValues[":tools"].(*types.AttributeValueMemberN).Value)
	_, hasContextID := upd.ExpressionAttributeValues[":c"]
	require.True(t, hasContextID)
}

func TestSaveInteraction_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	require.Error(t, c.SaveInteraction(context.Background(), domain.InteractionRecord{}))

	c = mustNewClient(t, &fakeDynamo{txErr: errors.New("tx failed")})
	require.ErrorContains(t, c.SaveInteraction(context.Background(), domain.InteractionRecord{UserKey: "u"}), "tx failed")
}

func TestPing(t *testing.T) {
	require.NoError(t, mustNewClient(t, &fakeDynamo{}).Ping(context.Background()))
	require.Error(t, mustNewClient(t, &fakeDynamo{describeErr: errors.New("no table")}).Ping(context.Background()))
}

func strPtr(s string) *string { return &s }
