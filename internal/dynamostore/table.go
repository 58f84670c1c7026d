package dynamostore

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/psanford/donutupload/internal/dynamo"
)

// CreateTable creates a pay-per-request table with the key schema the
// store expects and waits for it to become active.
func CreateTable(ctx context.Context, db dynamodbiface.DynamoDBAPI, table string) error {
	_, err := db.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		TableName: &table,
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String(dynamo.HKey),
				AttributeType: aws.String("S"),
			},
			{
				AttributeName: aws.String(dynamo.RKey),
				AttributeType: aws.String("N"),
			},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String(dynamo.HKey),
				KeyType:       aws.String("HASH"),
			},
			{
				AttributeName: aws.String(dynamo.RKey),
				KeyType:       aws.String("RANGE"),
			},
		},
		BillingMode: aws.String("PAY_PER_REQUEST"),
	})
	if err != nil {
		return err
	}

	return db.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: &table,
	})
}
