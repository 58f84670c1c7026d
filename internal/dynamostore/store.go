// Package dynamostore keeps uploads in a single DynamoDB table with a
// string hash_key and a numeric range_key.
//
// Each upload has one metadata row (hash_key=upload-meta-v1-<key>,
// range_key=0) and one row per chunk (hash_key=upload-data-v1-<key>,
// range_key=<seq>). Chunk payloads are zstd compressed.
package dynamostore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/psanford/donutupload/chunkstore"
	"github.com/psanford/donutupload/internal/dynamo"
)

// DynamoDB rejects items over 400KB. Leave room for the key and
// the other attributes.
const maxChunkItemBytes = 390 * 1024

// maxChunkSize is the largest chunk whose zstd frame still fits in
// maxChunkItemBytes when the data does not compress at all.
const maxChunkSize = 384 * 1024

// batchWriteMax is the BatchWriteItem request limit.
const batchWriteMax = 25

type Store struct {
	db    dynamodbiface.DynamoDBAPI
	table string

	// chunks fetched per Query while reading
	readPageSize int64
}

func New(db dynamodbiface.DynamoDBAPI, table string) *Store {
	return &Store{
		db:           db,
		table:        table,
		readPageSize: 16,
	}
}

// MaxChunkSize is the largest chunk capacity the store can hold
// regardless of how well the data compresses.
func (s *Store) MaxChunkSize() int64 {
	return maxChunkSize
}

func (s *Store) InsertFile(ctx context.Context, rec *chunkstore.FileRecord) error {
	t0 := time.Now()
	_, err := s.db.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           &s.table,
		ConditionExpression: aws.String("attribute_not_exists(hash_key)"),
		Item:                fileRecordToItem(rec),
	})
	putItemHist.Observe(time.Since(t0).Seconds())

	if err != nil {
		if _, match := err.(*dynamodb.ConditionalCheckFailedException); match {
			return chunkstore.ErrFileExists
		}
		return err
	}
	return nil
}

func (s *Store) chunkItem(key string, c chunkstore.Chunk) (map[string]*dynamodb.AttributeValue, error) {
	compBytes := compressFunc(c.Data)
	if len(compBytes) > maxChunkItemBytes {
		return nil, fmt.Errorf("chunk seq=%d is %d bytes compressed, over the dynamodb item limit", c.Seq, len(compBytes))
	}

	item := chunkKey(key, c.Seq)
	item[dynamo.AttrBytes] = &dynamodb.AttributeValue{B: compBytes}
	item[dynamo.AttrOffset] = &dynamodb.AttributeValue{N: aws.String(strconv.FormatInt(c.Offset, 10))}
	item[dynamo.AttrLength] = &dynamodb.AttributeValue{N: aws.String(strconv.Itoa(len(c.Data)))}
	return item, nil
}

func (s *Store) InsertChunk(ctx context.Context, key string, c chunkstore.Chunk) error {
	item, err := s.chunkItem(key, c)
	if err != nil {
		return err
	}

	t0 := time.Now()
	_, err = s.db.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           &s.table,
		ConditionExpression: aws.String("attribute_not_exists(hash_key)"),
		Item:                item,
	})
	putItemHist.Observe(time.Since(t0).Seconds())

	if err != nil {
		if _, match := err.(*dynamodb.ConditionalCheckFailedException); match {
			return chunkstore.ErrChunkExists
		}
		return err
	}
	return nil
}

// sizeUpdate adds delta to the file size only if the size is still
// expected.
func (s *Store) sizeUpdate(key string, expected, delta int64) *dynamodb.Update {
	return &dynamodb.Update{
		TableName:           &s.table,
		Key:                 metaKey(key),
		UpdateExpression:    aws.String("ADD #size :delta"),
		ConditionExpression: aws.String("attribute_exists(hash_key) AND #size = :expected"),
		ExpressionAttributeNames: map[string]*string{
			"#size": aws.String(dynamo.AttrFileSize),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":delta": {
				N: aws.String(strconv.FormatInt(delta, 10)),
			},
			":expected": {
				N: aws.String(strconv.FormatInt(expected, 10)),
			},
		},
	}
}

func (s *Store) IncrementSize(ctx context.Context, key string, expected, delta int64) error {
	u := s.sizeUpdate(key, expected, delta)

	t0 := time.Now()
	_, err := s.db.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:                 u.TableName,
		Key:                       u.Key,
		UpdateExpression:          u.UpdateExpression,
		ConditionExpression:       u.ConditionExpression,
		ExpressionAttributeNames:  u.ExpressionAttributeNames,
		ExpressionAttributeValues: u.ExpressionAttributeValues,
	})
	updateItemHist.Observe(time.Since(t0).Seconds())

	if err != nil {
		if _, match := err.(*dynamodb.ConditionalCheckFailedException); match {
			return s.conditionErr(ctx, key, chunkstore.ErrSizeMismatch)
		}
		return err
	}
	return nil
}

// conditionErr resolves a failed "record exists and ..." condition into
// ErrFileNotFound or failed.
func (s *Store) conditionErr(ctx context.Context, key string, failed error) error {
	_, err := s.FindFile(ctx, key)
	if err != nil {
		return err
	}
	return failed
}

// AppendChunk writes the chunk row and bumps the file size in one
// transaction. The size update only applies if the size still equals
// the chunk's offset.
func (s *Store) AppendChunk(ctx context.Context, key string, c chunkstore.Chunk) error {
	item, err := s.chunkItem(key, c)
	if err != nil {
		return err
	}

	update := s.sizeUpdate(key, c.Offset, int64(len(c.Data)))
	update.ReturnValuesOnConditionCheckFailure = aws.String(dynamodb.ReturnValuesOnConditionCheckFailureAllOld)

	t0 := time.Now()
	_, err = s.db.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []*dynamodb.TransactWriteItem{
			{
				Put: &dynamodb.Put{
					TableName:           &s.table,
					ConditionExpression: aws.String("attribute_not_exists(hash_key)"),
					Item:                item,
				},
			},
			{
				Update: update,
			},
		},
	})
	transactWriteItemsHist.Observe(time.Since(t0).Seconds())

	if err != nil {
		return appendErr(err)
	}
	return nil
}

// appendErr maps a canceled append transaction onto the chunkstore
// errors. Reasons are indexed like the TransactItems: 0 is the chunk
// put, 1 is the size update.
func appendErr(err error) error {
	canceled, match := err.(*dynamodb.TransactionCanceledException)
	if !match {
		return err
	}

	reasons := canceled.CancellationReasons
	if len(reasons) > 0 && conditionFailed(reasons[0]) {
		return chunkstore.ErrChunkExists
	}
	if len(reasons) > 1 && conditionFailed(reasons[1]) {
		// ALL_OLD returns the record when it exists, so an empty item
		// means the condition failed on attribute_exists.
		if len(reasons[1].Item) == 0 {
			return chunkstore.ErrFileNotFound
		}
		return chunkstore.ErrSizeMismatch
	}
	return err
}

func conditionFailed(r *dynamodb.CancellationReason) bool {
	return r != nil && r.Code != nil && *r.Code == "ConditionalCheckFailed"
}

func (s *Store) FindFile(ctx context.Context, key string) (*chunkstore.FileRecord, error) {
	t0 := time.Now()
	out, err := s.db.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      &s.table,
		ConsistentRead: aws.Bool(true),
		Key:            metaKey(key),
	})
	getItemHist.Observe(time.Since(t0).Seconds())

	if err != nil {
		return nil, err
	}

	if len(out.Item) == 0 {
		return nil, chunkstore.ErrFileNotFound
	}

	rec, err := itemToFileRecord(key, out.Item)
	if err != nil {
		return nil, fmt.Errorf("decode file record err: %w", err)
	}
	return rec, nil
}

func (s *Store) FindMaxChunkSequence(ctx context.Context, key string) (chunkstore.ChunkInfo, bool, error) {
	t0 := time.Now()
	out, err := s.db.QueryWithContext(ctx, &dynamodb.QueryInput{
		TableName:              &s.table,
		ConsistentRead:         aws.Bool(true),
		KeyConditionExpression: aws.String("hash_key = :hk"),
		ProjectionExpression:   aws.String("range_key, #off, #len"),
		ScanIndexForward:       aws.Bool(false),
		Limit:                  aws.Int64(1),
		ExpressionAttributeNames: map[string]*string{
			"#off": aws.String(dynamo.AttrOffset),
			"#len": aws.String(dynamo.AttrLength),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":hk": {
				S: aws.String(dynamo.ChunkDataKey(key)),
			},
		},
	})
	queryHist.Observe(time.Since(t0).Seconds())

	if err != nil {
		return chunkstore.ChunkInfo{}, false, err
	}

	if len(out.Items) == 0 {
		return chunkstore.ChunkInfo{}, false, nil
	}

	info, err := itemToChunkInfo(out.Items[0])
	if err != nil {
		return chunkstore.ChunkInfo{}, false, err
	}
	return info, true, nil
}

func (s *Store) SetDeclaredLength(ctx context.Context, key string, length int64) error {
	t0 := time.Now()
	_, err := s.db.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.table,
		Key:                 metaKey(key),
		UpdateExpression:    aws.String("SET #dl = :dl, #defer = :false"),
		ConditionExpression: aws.String("attribute_exists(hash_key) AND attribute_not_exists(#dl)"),
		ExpressionAttributeNames: map[string]*string{
			"#dl":    aws.String(dynamo.AttrDeclaredLength),
			"#defer": aws.String(dynamo.AttrDeferLength),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":dl": {
				N: aws.String(strconv.FormatInt(length, 10)),
			},
			":false": {
				BOOL: aws.Bool(false),
			},
		},
	})
	updateItemHist.Observe(time.Since(t0).Seconds())

	if err != nil {
		if _, match := err.(*dynamodb.ConditionalCheckFailedException); match {
			return s.conditionErr(ctx, key, chunkstore.ErrLengthDeclared)
		}
		return err
	}
	return nil
}

// DeleteFileAndChunks removes the metadata row first so the upload
// disappears immediately, then deletes chunk rows in batches. A missing
// metadata row does not stop the chunk delete, so a retry finishes a
// delete that failed part way.
func (s *Store) DeleteFileAndChunks(ctx context.Context, key string) error {
	var notFound bool
	_, err := s.db.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName:           &s.table,
		Key:                 metaKey(key),
		ConditionExpression: aws.String("attribute_exists(hash_key)"),
	})
	if err != nil {
		if _, match := err.(*dynamodb.ConditionalCheckFailedException); !match {
			return err
		}
		notFound = true
	}

	if err := s.DeleteChunks(ctx, key); err != nil {
		return err
	}
	if notFound {
		return chunkstore.ErrFileNotFound
	}
	return nil
}

func (s *Store) DeleteChunks(ctx context.Context, key string) error {
	var (
		pending  []*dynamodb.WriteRequest
		batchErr error
	)

	err := s.db.QueryPagesWithContext(ctx, &dynamodb.QueryInput{
		TableName:              &s.table,
		ConsistentRead:         aws.Bool(true),
		KeyConditionExpression: aws.String("hash_key = :hk"),
		ProjectionExpression:   aws.String("hash_key, range_key"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":hk": {
				S: aws.String(dynamo.ChunkDataKey(key)),
			},
		},
	}, func(out *dynamodb.QueryOutput, lastPage bool) bool {
		for _, item := range out.Items {
			pending = append(pending, &dynamodb.WriteRequest{
				DeleteRequest: &dynamodb.DeleteRequest{
					Key: item,
				},
			})
			if len(pending) == batchWriteMax {
				batchErr = s.batchWrite(ctx, pending)
				if batchErr != nil {
					return false
				}
				pending = pending[:0]
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	if batchErr != nil {
		return batchErr
	}

	return s.batchWrite(ctx, pending)
}

// batchWrite submits reqs and resubmits anything DynamoDB reports as
// unprocessed.
func (s *Store) batchWrite(ctx context.Context, reqs []*dynamodb.WriteRequest) error {
	for len(reqs) > 0 {
		t0 := time.Now()
		out, err := s.db.BatchWriteItemWithContext(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]*dynamodb.WriteRequest{
				s.table: reqs,
			},
		})
		batchWriteItemHist.Observe(time.Since(t0).Seconds())
		batchWriteItemCount.Inc()

		if err != nil {
			return err
		}

		reqs = out.UnprocessedItems[s.table]
	}
	return nil
}

func (s *Store) OpenChunkReader(ctx context.Context, key string) (chunkstore.ChunkIterator, error) {
	rec, err := s.FindFile(ctx, key)
	if err != nil {
		return nil, err
	}

	return &chunkIterator{
		ctx:       ctx,
		s:         s,
		key:       key,
		chunkSize: rec.ChunkSize,
	}, nil
}

// List calls fn for every upload in the table until fn returns false.
func (s *Store) List(ctx context.Context, fn func(rec *chunkstore.FileRecord) bool) error {
	var decodeErr error
	err := s.db.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName:        &s.table,
		FilterExpression: aws.String("begins_with(hash_key, :prefix)"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":prefix": {
				S: aws.String(dynamo.FileMetaPrefix),
			},
		},
	}, func(out *dynamodb.ScanOutput, lastPage bool) bool {
		for _, item := range out.Items {
			hk := item[dynamo.HKey]
			if hk == nil || hk.S == nil {
				continue
			}
			key := (*hk.S)[len(dynamo.FileMetaPrefix):]
			rec, err := itemToFileRecord(key, item)
			if err != nil {
				decodeErr = fmt.Errorf("decode %s err: %w", *hk.S, err)
				return false
			}
			if !fn(rec) {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	return decodeErr
}
