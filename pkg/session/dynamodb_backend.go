package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBBackend.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBConfig holds DynamoDB table configuration.
type DynamoDBConfig struct {
	// Region overrides AWS_REGION.
	Region string `yaml:"region"`
	// Endpoint points the client at a local DynamoDB (optional).
	Endpoint string `yaml:"endpoint"`
	// SessionsTable is keyed by sessionId with TTL on expiresAt.
	SessionsTable string `yaml:"sessions_table"`
	// HistoryTable is keyed by sessionId (hash) and timestamp (range).
	HistoryTable string `yaml:"history_table"`
	// UserIndex is the sessions GSI keyed by userId.
	UserIndex string `yaml:"user_index"`
	// ConsistentRead enables strongly consistent reads on base tables.
	ConsistentRead bool `yaml:"consistent_read"`
}

// maxTimestampRetries bounds retries when another writer already used a timestamp.
const maxTimestampRetries = 5

// DynamoDBBackend implements StorageBackend on two DynamoDB tables.
// Expired sessions may linger until DynamoDB's TTL sweeper removes them, so
// reads filter on expiresAt.
type DynamoDBBackend struct {
	client DynamoDBAPI
	cfg    DynamoDBConfig
	ttl    time.Duration
	clock  *Clock
	now    func() time.Time
}

// NewDynamoDBClient builds a DynamoDB client from the default AWS credential chain.
func NewDynamoDBClient(ctx context.Context, cfg DynamoDBConfig) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// NewDynamoDBBackend creates a backend over an existing client.
func NewDynamoDBBackend(client DynamoDBAPI, cfg DynamoDBConfig, ttl time.Duration) *DynamoDBBackend {
	defaults := DefaultConfig().DynamoDB
	if cfg.SessionsTable == "" {
		cfg.SessionsTable = defaults.SessionsTable
	}
	if cfg.HistoryTable == "" {
		cfg.HistoryTable = defaults.HistoryTable
	}
	if cfg.UserIndex == "" {
		cfg.UserIndex = defaults.UserIndex
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &DynamoDBBackend{
		client: client,
		cfg:    cfg,
		ttl:    ttl,
		clock:  defaultClock,
		now:    time.Now,
	}
}

func sessionKey(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"sessionId": &types.AttributeValueMemberS{Value: sessionID},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// CreateSession writes a new session item.
func (d *DynamoDBBackend) CreateSession(ctx context.Context, userID string) (string, error) {
	sess := newSessionRecord(uuid.NewString(), userID, d.clock.Now(), d.ttl)

	item, err := attributevalue.MarshalMap(sess)
	if err != nil {
		return "", persistenceError("create session", fmt.Errorf("marshal session: %w", err))
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.cfg.SessionsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(sessionId)"),
	})
	if err != nil {
		return "", persistenceError("create session", err)
	}
	return sess.SessionID, nil
}

// GetSession reads a session item.
func (d *DynamoDBBackend) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.cfg.SessionsTable),
		Key:            sessionKey(sessionID),
		ConsistentRead: aws.Bool(d.cfg.ConsistentRead),
	})
	if err != nil {
		return nil, persistenceError("get session", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var sess Session
	if err := attributevalue.UnmarshalMap(out.Item, &sess); err != nil {
		return nil, persistenceError("get session", fmt.Errorf("unmarshal session: %w", err))
	}
	if sess.Expired(d.now()) {
		return nil, nil
	}
	return &sess, nil
}

// UpdateSessionActivity conditionally updates an existing, unexpired session.
func (d *DynamoDBBackend) UpdateSessionActivity(ctx context.Context, sessionID string) (bool, error) {
	now := d.clock.Now()

	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.cfg.SessionsTable),
		Key:                 sessionKey(sessionID),
		UpdateExpression:    aws.String("SET lastActivity = :lastActivity, expiresAt = :expiresAt"),
		ConditionExpression: aws.String("attribute_exists(sessionId) AND expiresAt > :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lastActivity": &types.AttributeValueMemberS{Value: FormatTimestamp(now)},
			":expiresAt":    &types.AttributeValueMemberN{Value: fmt.Sprint(expiryFor(now, d.ttl))},
			":now":          &types.AttributeValueMemberN{Value: fmt.Sprint(d.now().Unix())},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, persistenceError("update session activity", err)
	}
	return true, nil
}

// GetUserSessions queries the user index. GSI reads are eventually consistent.
func (d *DynamoDBBackend) GetUserSessions(ctx context.Context, userID string) ([]*Session, error) {
	paginator := dynamodb.NewQueryPaginator(d.client, &dynamodb.QueryInput{
		TableName:              aws.String(d.cfg.SessionsTable),
		IndexName:              aws.String(d.cfg.UserIndex),
		KeyConditionExpression: aws.String("userId = :userId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":userId": &types.AttributeValueMemberS{Value: userID},
		},
	})

	now := d.now()
	sessions := make([]*Session, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, persistenceError("get user sessions", err)
		}

		var batch []*Session
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, persistenceError("get user sessions", fmt.Errorf("unmarshal sessions: %w", err))
		}
		for _, sess := range batch {
			if !sess.Expired(now) {
				sessions = append(sessions, sess)
			}
		}
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt < sessions[j].CreatedAt
	})
	return sessions, nil
}

// AppendMessage writes a history item. The put is conditional on the
// (sessionId, timestamp) key being unused; on collision it retries with a
// later timestamp.
func (d *DynamoDBBackend) AppendMessage(ctx context.Context, sessionID, userID string, role Role, content Content) AppendResult {
	if err := validateAppend(sessionID, role, content); err != nil {
		return appendFailed(err)
	}

	var lastErr error
	for attempt := 0; attempt < maxTimestampRetries; attempt++ {
		msg := Message{
			SessionID: sessionID,
			Timestamp: FormatTimestamp(d.clock.Now()),
			Role:      role,
			Type:      content.Type(),
			Content:   content,
			UserID:    userID,
		}

		item, err := attributevalue.MarshalMap(msg.toWire())
		if err != nil {
			return appendFailed(persistenceError("append message", fmt.Errorf("marshal message: %w", err)))
		}

		_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                aws.String(d.cfg.HistoryTable),
			Item:                     item,
			ConditionExpression:      aws.String("attribute_not_exists(#ts)"),
			ExpressionAttributeNames: map[string]string{"#ts": "timestamp"},
		})
		if err == nil {
			return appendOK(msg.Timestamp)
		}
		if !isConditionFailed(err) {
			return appendFailed(persistenceError("append message", err))
		}
		lastErr = err
	}
	return appendFailed(persistenceError("append message", fmt.Errorf("timestamp collision after %d attempts: %w", maxTimestampRetries, lastErr)))
}

// GetHistory queries the history table in ascending timestamp order.
func (d *DynamoDBBackend) GetHistory(ctx context.Context, sessionID string) ([]Message, error) {
	paginator := dynamodb.NewQueryPaginator(d.client, &dynamodb.QueryInput{
		TableName:              aws.String(d.cfg.HistoryTable),
		KeyConditionExpression: aws.String("sessionId = :sessionId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sessionId": &types.AttributeValueMemberS{Value: sessionID},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(d.cfg.ConsistentRead),
	})

	messages := make([]Message, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, persistenceError("get history", err)
		}

		var batch []wireMessage
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, persistenceError("get history", fmt.Errorf("unmarshal messages: %w", err))
		}
		for _, w := range batch {
			messages = append(messages, w.toMessage())
		}
	}
	return messages, nil
}

// Ping describes the sessions table.
func (d *DynamoDBBackend) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.cfg.SessionsTable),
	})
	return err
}

// Close is a no-op; the AWS client holds no resources that need releasing.
func (d *DynamoDBBackend) Close() error {
	return nil
}
