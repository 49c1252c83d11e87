package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Dynamo is the DynamoDB-backed Store implementation. It uses a single
// table with a composite key plus a sender GSI:
//
//	PK = MSG#<trackingId> | SUB#<email> | USR#<email>,  SK = "A"
//	GSI1PK = SENDER#<from> | SUBSCRIBED,  GSI1SK = <sentAt RFC3339> | <email>
type Dynamo struct {
	client    *dynamodb.Client
	tableName string
}

const (
	dynamoSK       = "A"
	senderIndex    = "GSI1"
	subscribedPK   = "SUBSCRIBED"
	timeAttrLayout = time.RFC3339Nano
)

type dynamoMessageItem struct {
	PK     string `dynamodbav:"PK"`
	SK     string `dynamodbav:"SK"`
	GSI1PK string `dynamodbav:"GSI1PK"`
	GSI1SK string `dynamodbav:"GSI1SK"`
	TrackedMessage
}

type dynamoSubscriberItem struct {
	PK     string `dynamodbav:"PK"`
	SK     string `dynamodbav:"SK"`
	GSI1PK string `dynamodbav:"GSI1PK,omitempty"`
	GSI1SK string `dynamodbav:"GSI1SK,omitempty"`
	Subscriber
}

type dynamoUserItem struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	User
}

// NewDynamo creates a DynamoDB store instance.
func NewDynamo(ctx context.Context, tableName, region, profile string) (*Dynamo, error) {
	if tableName == "" {
		return nil, fmt.Errorf("dynamo: dynamodb_table is required")
	}

	var cfg aws.Config
	var err error
	if profile != "" {
		cfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
			awsconfig.WithSharedConfigProfile(profile),
		)
	} else {
		cfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("dynamo: loading AWS config: %w", err)
	}

	return &Dynamo{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
	}, nil
}

// Close is a no-op; the SDK client holds no long-lived resources.
func (d *Dynamo) Close() error { return nil }

func messagePK(trackingID string) string { return "MSG#" + trackingID }
func subscriberPK(email string) string   { return "SUB#" + email }
func userPK(email string) string         { return "USR#" + email }
func senderPK(sender string) string      { return "SENDER#" + sender }

// CreateMessage persists a new tracked message with a conditional put so a
// duplicate tracking id is rejected rather than overwritten.
func (d *Dynamo) CreateMessage(ctx context.Context, msg *TrackedMessage) error {
	item := dynamoMessageItem{
		PK:             messagePK(msg.TrackingID),
		SK:             dynamoSK,
		GSI1PK:         senderPK(msg.From),
		GSI1SK:         msg.SentAt.UTC().Format(timeAttrLayout),
		TrackedMessage: *msg,
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("dynamo: marshal message: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrDuplicateTracking
		}
		return fmt.Errorf("dynamo: put message: %w", err)
	}
	return nil
}

// FindByTrackingID returns the record for a tracking token.
func (d *Dynamo) FindByTrackingID(ctx context.Context, trackingID string) (*TrackedMessage, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key:       d.key(messagePK(trackingID)),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: get message: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var item dynamoMessageItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("dynamo: unmarshal message: %w", err)
	}
	msg := item.TrackedMessage
	return &msg, nil
}

// FindOpenTrackedForSender queries the sender GSI and filters out replied
// records server-side.
func (d *Dynamo) FindOpenTrackedForSender(ctx context.Context, sender string) ([]*TrackedMessage, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		IndexName:              aws.String(senderIndex),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		FilterExpression:       aws.String("replied = :false"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":    &types.AttributeValueMemberS{Value: senderPK(sender)},
			":false": &types.AttributeValueMemberBOOL{Value: false},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: query open tracked: %w", err)
	}
	return d.unmarshalMessages(out.Items)
}

// ListBySender queries the sender GSI most recent first.
func (d *Dynamo) ListBySender(ctx context.Context, sender string, limit int) ([]*TrackedMessage, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		IndexName:              aws.String(senderIndex),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: senderPK(sender)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: list by sender: %w", err)
	}
	return d.unmarshalMessages(out.Items)
}

// MarkOpened performs the unseen→opened transition as a conditional update;
// the condition failing means another caller already won the race.
func (d *Dynamo) MarkOpened(ctx context.Context, trackingID string, at time.Time) (bool, error) {
	return d.conditionalFlag(ctx, trackingID, "opened", "opened_at", at, nil)
}

// MarkReplied performs the not-replied→replied transition.
func (d *Dynamo) MarkReplied(ctx context.Context, trackingID string, at time.Time, replyMessageID string) (bool, error) {
	return d.conditionalFlag(ctx, trackingID, "replied", "replied_at", at, &replyMessageID)
}

func (d *Dynamo) conditionalFlag(ctx context.Context, trackingID, flagAttr, atAttr string, at time.Time, replyMessageID *string) (bool, error) {
	update := fmt.Sprintf("SET %s = :true, %s = :at", flagAttr, atAttr)
	values := map[string]types.AttributeValue{
		":true":  &types.AttributeValueMemberBOOL{Value: true},
		":false": &types.AttributeValueMemberBOOL{Value: false},
		":at":    &types.AttributeValueMemberS{Value: at.UTC().Format(timeAttrLayout)},
	}
	if replyMessageID != nil {
		update += ", reply_message_id = :rid"
		values[":rid"] = &types.AttributeValueMemberS{Value: *replyMessageID}
	}

	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.tableName),
		Key:                       d.key(messagePK(trackingID)),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String(fmt.Sprintf("attribute_exists(PK) AND %s = :false", flagAttr)),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// Either already transitioned or the record does not exist.
			if _, getErr := d.FindByTrackingID(ctx, trackingID); getErr != nil {
				return false, getErr
			}
			return false, nil
		}
		return false, fmt.Errorf("dynamo: mark %s: %w", flagAttr, err)
	}
	return true, nil
}

// GetSubscriber returns the subscription record for an email.
func (d *Dynamo) GetSubscriber(ctx context.Context, email string) (*Subscriber, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key:       d.key(subscriberPK(email)),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: get subscriber: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var item dynamoSubscriberItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("dynamo: unmarshal subscriber: %w", err)
	}
	sub := item.Subscriber
	return &sub, nil
}

// CreateSubscriber creates a subscription record with subscribed == true.
func (d *Dynamo) CreateSubscriber(ctx context.Context, email string) error {
	now := time.Now().UTC()
	item := dynamoSubscriberItem{
		PK:     subscriberPK(email),
		SK:     dynamoSK,
		GSI1PK: subscribedPK,
		GSI1SK: email,
		Subscriber: Subscriber{
			Email:      email,
			Subscribed: true,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("dynamo: marshal subscriber: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("dynamo: put subscriber: %w", err)
	}
	return nil
}

// SetSubscribed flips the subscription flag. Opted-out records are removed
// from the subscribed GSI partition so the digest query never sees them.
func (d *Dynamo) SetSubscribed(ctx context.Context, email string, subscribed bool) error {
	update := "SET subscribed = :sub, updated_at = :now REMOVE GSI1PK, GSI1SK"
	values := map[string]types.AttributeValue{
		":sub": &types.AttributeValueMemberBOOL{Value: subscribed},
		":now": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(timeAttrLayout)},
	}
	if subscribed {
		update = "SET subscribed = :sub, updated_at = :now, GSI1PK = :gpk, GSI1SK = :gsk"
		values[":gpk"] = &types.AttributeValueMemberS{Value: subscribedPK}
		values[":gsk"] = &types.AttributeValueMemberS{Value: email}
	}

	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.tableName),
		Key:                       d.key(subscriberPK(email)),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrNotFound
		}
		return fmt.Errorf("dynamo: set subscribed: %w", err)
	}
	return nil
}

// ListSubscribed queries the subscribed GSI partition.
func (d *Dynamo) ListSubscribed(ctx context.Context) ([]*Subscriber, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		IndexName:              aws.String(senderIndex),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: subscribedPK},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: list subscribed: %w", err)
	}

	var subs []*Subscriber
	for _, raw := range out.Items {
		var item dynamoSubscriberItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("dynamo: unmarshal subscriber: %w", err)
		}
		sub := item.Subscriber
		subs = append(subs, &sub)
	}
	return subs, nil
}

// GetUser returns the linked account for an email.
func (d *Dynamo) GetUser(ctx context.Context, email string) (*User, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key:       d.key(userPK(email)),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: get user: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var item dynamoUserItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("dynamo: unmarshal user: %w", err)
	}
	u := item.User
	return &u, nil
}

// UpsertUser creates or updates a linked account, preserving the stored
// refresh token when the incoming one is empty.
func (d *Dynamo) UpsertUser(ctx context.Context, u *User) error {
	if u.RefreshToken == "" {
		if existing, err := d.GetUser(ctx, u.Email); err == nil {
			u.RefreshToken = existing.RefreshToken
			u.CreatedAt = existing.CreatedAt
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.UpdatedAt = time.Now().UTC()

	item := dynamoUserItem{
		PK:   userPK(u.Email),
		SK:   dynamoSK,
		User: *u,
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("dynamo: marshal user: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("dynamo: put user: %w", err)
	}
	return nil
}

func (d *Dynamo) key(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: dynamoSK},
	}
}

func (d *Dynamo) unmarshalMessages(items []map[string]types.AttributeValue) ([]*TrackedMessage, error) {
	var msgs []*TrackedMessage
	for _, raw := range items {
		var item dynamoMessageItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("dynamo: unmarshal message: %w", err)
		}
		msg := item.TrackedMessage
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}
