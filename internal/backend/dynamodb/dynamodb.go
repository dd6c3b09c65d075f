// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dynamodb provides an Amazon DynamoDB backend. Records live in a
// single table keyed by the string attribute "id".
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"

	"github.com/tombee/testflow/internal/backend"
	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

var _ backend.Backend = (*Backend)(nil)

// Config contains DynamoDB client configuration.
type Config struct {
	Region string
	Table  string

	// AccessKey and SecretKey override the default credential chain.
	AccessKey string
	SecretKey string

	// Endpoint targets DynamoDB Local or another compatible service.
	Endpoint string
}

// Backend stores flow records in DynamoDB.
type Backend struct {
	client dynamodbiface.DynamoDBAPI
	table  string
}

type item struct {
	ID        string `dynamodbav:"id"`
	Name      string `dynamodbav:"name"`
	Status    string `dynamodbav:"status"`
	State     string `dynamodbav:"state,omitempty"`
	CreatedAt string `dynamodbav:"created_at"`
	UpdatedAt string `dynamodbav:"updated_at"`
}

// New creates a client session and ensures the table exists.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	awsConfig := &aws.Config{}
	if cfg.Region != "" {
		awsConfig.Region = aws.String(cfg.Region)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	b := NewWithClient(dynamodb.New(sess), cfg.Table)
	if err := b.EnsureTable(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// NewWithClient wraps an existing client. Used by tests with a fake.
func NewWithClient(client dynamodbiface.DynamoDBAPI, table string) *Backend {
	return &Backend{client: client, table: table}
}

// EnsureTable creates the table with on-demand billing if it is missing.
func (b *Backend) EnsureTable(ctx context.Context) error {
	_, err := b.client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(b.table),
	})
	if err == nil {
		return nil
	}
	if aerr, ok := err.(awserr.Error); !ok || aerr.Code() != dynamodb.ErrCodeResourceNotFoundException {
		return fmt.Errorf("failed to describe table %s: %w", b.table, err)
	}

	_, err = b.client.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(b.table),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS)},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: aws.String(dynamodb.KeyTypeHash)},
		},
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", b.table, err)
	}

	return b.client.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(b.table),
	})
}

func (b *Backend) key(id string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{"id": {S: aws.String(id)}}
}

// ReadFlowRecord retrieves a record by flow ID.
func (b *Backend) ReadFlowRecord(ctx context.Context, id string) (*backend.FlowRecord, error) {
	out, err := b.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.table),
		Key:            b.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read flow record: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, backend.NotFound(id)
	}
	return decodeItem(out.Item)
}

// WriteFlowRecord reads, patches and puts the item. The state store is the
// single writer per flow, so no conditional write is needed.
func (b *Backend) WriteFlowRecord(ctx context.Context, id string, patch *backend.RecordPatch) error {
	cur, err := b.ReadFlowRecord(ctx, id)
	var nf *flowerrors.NotFoundError
	if err != nil && !errors.As(err, &nf) {
		return err
	}

	av, err := encodeItem(backend.ApplyPatch(cur, id, patch))
	if err != nil {
		return err
	}
	_, err = b.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to write flow record: %w", err)
	}
	return nil
}

// ListFlowRecords scans the table, most recently updated first.
func (b *Backend) ListFlowRecords(ctx context.Context, filter backend.RecordFilter) ([]*backend.FlowRecord, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(b.table)}
	if filter.Status != "" {
		expr, err := expression.NewBuilder().
			WithFilter(expression.Name("status").Equal(expression.Value(string(filter.Status)))).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build filter: %w", err)
		}
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	var out []*backend.FlowRecord
	for {
		page, err := b.client.ScanWithContext(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list flow records: %w", err)
		}
		for _, av := range page.Items {
			rec, err := decodeItem(av)
			if err != nil {
				return nil, err
			}
			if filter.Matches(rec) {
				out = append(out, rec)
			}
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteFlowRecord deletes a record.
func (b *Backend) DeleteFlowRecord(ctx context.Context, id string) error {
	_, err := b.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.table),
		Key:       b.key(id),
	})
	if err != nil {
		return fmt.Errorf("failed to delete flow record: %w", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no connections that need closing.
func (b *Backend) Close() error {
	return nil
}

func encodeItem(rec *backend.FlowRecord) (map[string]*dynamodb.AttributeValue, error) {
	it := item{
		ID:        rec.ID,
		Name:      rec.Name,
		Status:    string(rec.Status),
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.State != nil {
		data, err := json.Marshal(rec.State)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal state: %w", err)
		}
		it.State = string(data)
	}
	av, err := dynamodbattribute.MarshalMap(it)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item: %w", err)
	}
	return av, nil
}

func decodeItem(av map[string]*dynamodb.AttributeValue) (*backend.FlowRecord, error) {
	var it item
	if err := dynamodbattribute.UnmarshalMap(av, &it); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	rec := &backend.FlowRecord{
		ID:     it.ID,
		Name:   it.Name,
		Status: flow.Status(it.Status),
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, it.CreatedAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, it.UpdatedAt)
	if it.State != "" {
		var state flow.ExecutionState
		if err := json.Unmarshal([]byte(it.State), &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		rec.State = &state
	}
	return rec, nil
}
