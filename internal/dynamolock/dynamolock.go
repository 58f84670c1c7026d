// Package dynamolock implements writelock.Locker with lease rows in a
// DynamoDB table. A lease expires deadlineDuration after its last
// renewal; the holder renews it every renewDuration until released.
package dynamolock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/psanford/donutupload/internal/dynamo"
	"github.com/psanford/donutupload/writelock"
	"github.com/sirupsen/logrus"
)

var deadlineDuration = 10 * time.Second
var renewDuration = 3 * time.Second

// ErrLeaseLost is returned by unlock when another owner took the lease
// over while it was held, meaning the holder was not exclusive for the
// whole session.
var ErrLeaseLost = errors.New("write lease lost while held")

type Locker struct {
	db      *dynamodb.DynamoDB
	table   string
	ownerID string
}

var _ writelock.Locker = (*Locker)(nil)

func New(db *dynamodb.DynamoDB, table string) *Locker {
	ownerIDBytes := make([]byte, 8)
	if _, err := rand.Read(ownerIDBytes); err != nil {
		panic(err)
	}

	return &Locker{
		db:      db,
		table:   table,
		ownerID: hex.EncodeToString(ownerIDBytes),
	}
}

func (l *Locker) lockKey(lockName string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		dynamo.HKey: {
			S: aws.String(lockName),
		},
		dynamo.RKey: {
			N: aws.String("0"),
		},
	}
}

func (l *Locker) leaseItem(lockName, deadlineUsS string) map[string]*dynamodb.AttributeValue {
	item := l.lockKey(lockName)
	item[dynamo.AttrOwnerID] = &dynamodb.AttributeValue{S: &l.ownerID}
	item[dynamo.AttrDeadlineUs] = &dynamodb.AttributeValue{N: &deadlineUsS}
	return item
}

func (l *Locker) Lock(ctx context.Context, key string) (func() error, error) {
	lockName := dynamo.WriteLockKey(key)

	item, err := l.db.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:       &l.table,
		ConsistentRead:  aws.Bool(true),
		AttributesToGet: []*string{aws.String(dynamo.AttrOwnerID), aws.String(dynamo.AttrDeadlineUs)},
		Key:             l.lockKey(lockName),
	})
	if err != nil {
		return nil, err
	}

	deadlineUsS := strconv.FormatInt(time.Now().Add(deadlineDuration).UnixMicro(), 10)

	oldOwner := item.Item[dynamo.AttrOwnerID]
	oldDeadlineUsS, exists := item.Item[dynamo.AttrDeadlineUs]
	if !exists {
		// no one holds the lock, lets try to get it
		_, err = l.db.PutItemWithContext(ctx, &dynamodb.PutItemInput{
			TableName:           &l.table,
			ConditionExpression: aws.String("attribute_not_exists(deadline_us)"),
			Item:                l.leaseItem(lockName, deadlineUsS),
		})
	} else {
		oldDeadlineUs, parseErr := strconv.ParseInt(*oldDeadlineUsS.N, 10, 64)
		if parseErr != nil {
			return nil, parseErr
		}

		if time.Now().UnixMicro() <= oldDeadlineUs {
			// someone else holds the lock
			return nil, writelock.ErrLocked
		}

		// the existing lock has expired, lets try to take it
		_, err = l.db.PutItemWithContext(ctx, &dynamodb.PutItemInput{
			TableName:           &l.table,
			ConditionExpression: aws.String("deadline_us = :dus AND owner_id = :own"),
			ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
				":dus": {
					N: oldDeadlineUsS.N,
				},
				":own": {
					S: oldOwner.S,
				},
			},
			Item: l.leaseItem(lockName, deadlineUsS),
		})
	}

	if err != nil {
		if _, match := err.(*dynamodb.ConditionalCheckFailedException); match {
			// someone else beat us to the lock
			return nil, writelock.ErrLocked
		}
		return nil, err
	}

	ls := &lease{
		l:            l,
		lockName:     lockName,
		prevDeadline: deadlineUsS,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go ls.heartbeatLoop()

	return ls.release, nil
}

type lease struct {
	l            *Locker
	lockName     string
	prevDeadline string

	stop chan struct{}
	done chan struct{}
	once sync.Once
	err  error
}

func (ls *lease) heartbeatLoop() {
	ticker := time.NewTicker(renewDuration)
	defer ticker.Stop()
	defer close(ls.done)

	for {
		select {
		case <-ls.stop:
			return
		case <-ticker.C:
			deadlineUsS := strconv.FormatInt(time.Now().Add(deadlineDuration).UnixMicro(), 10)

			_, err := ls.l.db.PutItem(&dynamodb.PutItemInput{
				TableName:           &ls.l.table,
				ConditionExpression: aws.String("deadline_us = :dus AND owner_id = :own"),
				ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
					":dus": {
						N: &ls.prevDeadline,
					},
					":own": {
						S: &ls.l.ownerID,
					},
				},
				Item: ls.l.leaseItem(ls.lockName, deadlineUsS),
			})

			if err != nil {
				if _, match := err.(*dynamodb.ConditionalCheckFailedException); match {
					logrus.WithField("lock", ls.lockName).Error("lost write lease while heartbeating")
					ls.err = ErrLeaseLost
					return
				}
				// maybe there was a transient error that we'll recover from on the next tick
				logrus.WithField("lock", ls.lockName).WithError(err).Warn("error heartbeating write lease")
				continue
			}

			ls.prevDeadline = deadlineUsS
		}
	}
}

func (ls *lease) release() error {
	var retErr error
	ls.once.Do(func() {
		close(ls.stop)
		<-ls.done

		if ls.err != nil {
			retErr = ls.err
			return
		}

		_, err := ls.l.db.DeleteItem(&dynamodb.DeleteItemInput{
			TableName:           &ls.l.table,
			ConditionExpression: aws.String("deadline_us = :dus AND owner_id = :own"),
			ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
				":dus": {
					N: &ls.prevDeadline,
				},
				":own": {
					S: &ls.l.ownerID,
				},
			},
			Key: ls.l.lockKey(ls.lockName),
		})
		if err != nil {
			if _, match := err.(*dynamodb.ConditionalCheckFailedException); match {
				retErr = ErrLeaseLost
				return
			}
			retErr = err
		}
	})
	return retErr
}
