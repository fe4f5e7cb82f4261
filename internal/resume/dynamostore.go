package resume

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoStore persists a Snapshot as a DynamoDB item keyed by
// (bucket_id, file_id). It is a supplementary backend for resuming a
// download from a different host than the one that started it.
type DynamoStore struct {
	client *dynamodb.Client
	table  string
}

// NewDynamoStore wraps an already-configured dynamodb.Client.
func NewDynamoStore(client *dynamodb.Client, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func (d *DynamoStore) Save(ctx context.Context, snapshot Snapshot) error {
	item, err := attributevalue.MarshalMap(snapshot)
	if err != nil {
		return fmt.Errorf("resume: marshal snapshot item: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("resume: put snapshot item: %w", err)
	}
	return nil
}

func (d *DynamoStore) Load(ctx context.Context, bucketID, fileID string) (Snapshot, bool, error) {
	key, err := attributevalue.MarshalMap(struct {
		BucketID string `dynamodbav:"bucket_id"`
		FileID   string `dynamodbav:"file_id"`
	}{BucketID: bucketID, FileID: fileID})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("resume: marshal snapshot key: %w", err)
	}

	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key:       key,
	})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("resume: get snapshot item: %w", err)
	}
	if out.Item == nil {
		return Snapshot{}, false, nil
	}

	var snap Snapshot
	if err := attributevalue.UnmarshalMap(out.Item, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("resume: unmarshal snapshot item: %w", err)
	}
	return snap, true, nil
}

func (d *DynamoStore) Delete(ctx context.Context, bucketID, fileID string) error {
	key, err := attributevalue.MarshalMap(struct {
		BucketID string `dynamodbav:"bucket_id"`
		FileID   string `dynamodbav:"file_id"`
	}{BucketID: bucketID, FileID: fileID})
	if err != nil {
		return fmt.Errorf("resume: marshal snapshot key: %w", err)
	}

	_, err = d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       key,
	})
	if err != nil {
		return fmt.Errorf("resume: delete snapshot item: %w", err)
	}
	return nil
}

// EnsureTable creates the snapshot table if it does not already exist.
func EnsureTable(ctx context.Context, client *dynamodb.Client, table string) error {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
	if err == nil {
		return nil
	}

	_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("bucket_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("file_id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("bucket_id"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("file_id"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("resume: create snapshot table: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, 60*time.Second); err != nil {
		return fmt.Errorf("resume: wait for snapshot table: %w", err)
	}
	return nil
}
