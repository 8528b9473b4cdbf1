package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hub-otp/internal/config"
	"github.com/hub-otp/internal/domain"
	"github.com/hub-otp/internal/pkg/clock"
)

// otpItem is the stored shape of a domain.OTPRecord.
// PK: app_id, SK: identity. Times are epoch milliseconds; ttl is epoch seconds.
type otpItem struct {
	AppID      string `dynamodbav:"app_id"`
	Identity   string `dynamodbav:"identity"`
	CodeDigest string `dynamodbav:"code_digest"`
	CreatedAt  int64  `dynamodbav:"created_at"`
	ExpiresAt  int64  `dynamodbav:"expires_at"`
	Attempts   int    `dynamodbav:"attempts"`
	TTL        int64  `dynamodbav:"ttl"`
}

func toItem(rec *domain.OTPRecord) otpItem {
	return otpItem{
		AppID:      rec.AppID,
		Identity:   rec.Identity,
		CodeDigest: rec.CodeDigest,
		CreatedAt:  rec.CreatedAt.UnixMilli(),
		ExpiresAt:  rec.ExpiresAt.UnixMilli(),
		TTL:        rec.ExpiresAt.Add(domain.ExpiredRetention).Unix(),
	}
}

func (it otpItem) record() *domain.OTPRecord {
	return &domain.OTPRecord{
		AppID:      it.AppID,
		Identity:   it.Identity,
		CodeDigest: it.CodeDigest,
		CreatedAt:  time.UnixMilli(it.CreatedAt).UTC(),
		ExpiresAt:  time.UnixMilli(it.ExpiresAt).UTC(),
		Attempts:   it.Attempts,
	}
}

// OTPStore keeps OTP records and cooldowns in two DynamoDB tables. All
// read-modify-write paths are single conditional requests.
type OTPStore struct {
	client    API
	records   string
	cooldowns string
	clock     clock.Clocker
}

func NewOTPStore(client API, tables config.DynamoTables, clk clock.Clocker) *OTPStore {
	if clk == nil {
		clk = clock.New()
	}
	return &OTPStore{client: client, records: tables.OTPRecords, cooldowns: tables.OTPCooldowns, clock: clk}
}

func (s *OTPStore) key(appID, identity string) map[string]types.AttributeValue {
	return compositeKey(attrAppID, appID, attrIdentity, identity)
}

func (s *OTPStore) Put(ctx context.Context, rec *domain.OTPRecord) error {
	item, err := attributevalue.MarshalMap(toItem(rec))
	if err != nil {
		return fmt.Errorf("marshal otp record: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.records),
		Item:      item,
	})
	return err
}

// Get hides items DynamoDB has not yet reaped past their TTL.
func (s *OTPStore) Get(ctx context.Context, appID, identity string) (*domain.OTPRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.records),
		Key:            s.key(appID, identity),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("otp record not found: %w", domain.ErrNotFound)
	}
	var it otpItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal otp record: %w", err)
	}
	rec := it.record()
	if !rec.Retain(s.clock.Now()) {
		return nil, fmt.Errorf("otp record not found: %w", domain.ErrNotFound)
	}
	return rec, nil
}

func (s *OTPStore) IncrementAttempts(ctx context.Context, appID, identity string, max int) (int, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.records),
		Key:                 s.key(appID, identity),
		UpdateExpression:    aws.String("SET #a = #a + :one"),
		ConditionExpression: aws.String("attribute_exists(#pk) AND #a < :max"),
		ExpressionAttributeNames: map[string]string{
			"#a":  attrAttempts,
			"#pk": attrAppID,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": num(1),
			":max": num(int64(max)),
		},
		ReturnValues:                        types.ReturnValueUpdatedNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		if old, ok := conditionFailed(err); ok {
			if old == nil {
				return 0, domain.ErrNotFound
			}
			return int(intAttr(old, attrAttempts)), domain.ErrAttemptsExhausted
		}
		return 0, err
	}
	return int(intAttr(out.Attributes, attrAttempts)), nil
}

func (s *OTPStore) Consume(ctx context.Context, appID, identity, digest string, max int) (bool, error) {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.records),
		Key:                 s.key(appID, identity),
		ConditionExpression: aws.String("#d = :d AND #a < :max"),
		ExpressionAttributeNames: map[string]string{
			"#d": attrCodeDigest,
			"#a": attrAttempts,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d":   str(digest),
			":max": num(int64(max)),
		},
	})
	if err != nil {
		if _, ok := conditionFailed(err); ok {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *OTPStore) Delete(ctx context.Context, appID, identity string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.records),
		Key:       s.key(appID, identity),
	})
	return err
}

func cooldownKey(appID, identity string) string {
	return appID + "|" + identity
}

// AcquireCooldown writes the cooldown item unless an unexpired one exists.
func (s *OTPStore) AcquireCooldown(ctx context.Context, appID, identity string, window time.Duration) (time.Duration, bool, error) {
	now := s.clock.Now()
	until := now.Add(window)
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cooldowns),
		Item: map[string]types.AttributeValue{
			attrCooldownKey: str(cooldownKey(appID, identity)),
			attrUntil:       num(until.UnixMilli()),
			attrTTL:         num(until.Add(time.Second).Unix()),
		},
		ConditionExpression:      aws.String("attribute_not_exists(#k) OR #u <= :now"),
		ExpressionAttributeNames: map[string]string{"#k": attrCooldownKey, "#u": attrUntil},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": num(now.UnixMilli()),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		if old, ok := conditionFailed(err); ok {
			held := time.UnixMilli(intAttr(old, attrUntil))
			return held.Sub(now), false, nil
		}
		return 0, false, err
	}
	return 0, true, nil
}

func (s *OTPStore) ReleaseCooldown(ctx context.Context, appID, identity string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.cooldowns),
		Key:       strKey(attrCooldownKey, cooldownKey(appID, identity)),
	})
	return err
}

// Ping checks that the records table is reachable.
func (s *OTPStore) Ping(ctx context.Context) error {
	out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.records)})
	if err != nil {
		return err
	}
	if out.Table != nil && out.Table.TableStatus != types.TableStatusActive {
		return fmt.Errorf("table %s is %s", s.records, out.Table.TableStatus)
	}
	return nil
}
