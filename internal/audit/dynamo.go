package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// dynamoRecord mirrors Event with the index fields §6 requires: an
// item per event, indexed (at the table level, via GSIs provisioned
// outside this package) on timestamp, (tenant_id, timestamp) and
// event_type.
type dynamoRecord struct {
	EventID   string `dynamodbav:"event_id"`
	RequestID string `dynamodbav:"request_id"`
	TenantID  string `dynamodbav:"tenant_id"`
	EventType string `dynamodbav:"event_type"`
	Timestamp string `dynamodbav:"timestamp"`
	Detail    string `dynamodbav:"detail_json"`
}

// DynamoDBSink persists audit events as one row per event, the
// database option for PII_AIRLOCK_AUDIT_STORE.
type DynamoDBSink struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoDBSink builds a DynamoDBSink against the given table.
func NewDynamoDBSink(ctx context.Context, region, tableName string) (*DynamoDBSink, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &DynamoDBSink{client: dynamodb.NewFromConfig(cfg), tableName: tableName}, nil
}

func (s *DynamoDBSink) Record(ctx context.Context, e Event) {
	detailJSON := "{}"
	if e.Detail != nil {
		if b, err := marshalDetail(e.Detail); err == nil {
			detailJSON = b
		}
	}

	rec := dynamoRecord{
		EventID:   uuid.New().String(),
		RequestID: e.RequestID,
		TenantID:  e.TenantID,
		EventType: string(e.EventType),
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
		Detail:    detailJSON,
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return
	}
	_, _ = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
}

func (s *DynamoDBSink) Close() error { return nil }

// Query fetches events for a tenant within [start, end], matching the
// (tenant_id, timestamp) index §6 requires.
func (s *DynamoDBSink) Query(ctx context.Context, tenantID string, start, end time.Time) ([]Event, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String("tenant_id-timestamp-index"),
		KeyConditionExpression: aws.String("tenant_id = :tid AND #ts BETWEEN :start AND :end"),
		ExpressionAttributeNames: map[string]string{
			"#ts": "timestamp",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tid":   &types.AttributeValueMemberS{Value: tenantID},
			":start": &types.AttributeValueMemberS{Value: start.Format(time.RFC3339Nano)},
			":end":   &types.AttributeValueMemberS{Value: end.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audit: query dynamodb: %w", err)
	}

	events := make([]Event, 0, len(out.Items))
	for _, item := range out.Items {
		var rec dynamoRecord
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			continue
		}
		ts, _ := time.Parse(time.RFC3339Nano, rec.Timestamp)
		events = append(events, Event{
			RequestID: rec.RequestID,
			TenantID:  rec.TenantID,
			EventType: EventType(rec.EventType),
			Timestamp: ts,
		})
	}
	return events, nil
}
