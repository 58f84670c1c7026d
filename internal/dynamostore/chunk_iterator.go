package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/psanford/donutupload/chunkstore"
	"github.com/psanford/donutupload/internal/dynamo"
)

// chunkIterator pages through an upload's chunk rows in range_key
// order, fetching the next page only when the cached one is used up.
type chunkIterator struct {
	ctx       context.Context
	s         *Store
	key       string
	chunkSize int64

	cachedChunks []chunkstore.Chunk
	startKey     map[string]*dynamodb.AttributeValue
	done         bool

	cur  chunkstore.Chunk
	prev *chunkstore.ChunkInfo
	err  error
}

func (i *chunkIterator) Next() bool {
	if i.err != nil {
		return false
	}

	// a page can come back empty with more pages after it
	for len(i.cachedChunks) == 0 {
		if i.done {
			return false
		}
		if err := i.fetchPage(); err != nil {
			i.err = err
			return false
		}
	}

	c := i.cachedChunks[0]
	i.cachedChunks = i.cachedChunks[1:]

	if err := chunkstore.CheckContiguous(i.prev, c); err != nil {
		i.err = err
		return false
	}

	i.cur = c
	i.prev = &chunkstore.ChunkInfo{
		Seq:    c.Seq,
		Offset: c.Offset,
		Length: int64(len(c.Data)),
	}
	return true
}

func (i *chunkIterator) fetchPage() error {
	t0 := time.Now()
	out, err := i.s.db.QueryWithContext(i.ctx, &dynamodb.QueryInput{
		TableName:              &i.s.table,
		ConsistentRead:         aws.Bool(true),
		KeyConditionExpression: aws.String("hash_key = :hk"),
		ProjectionExpression:   aws.String("range_key, #off, #len, #bytes"),
		Limit:                  aws.Int64(i.s.readPageSize),
		ExclusiveStartKey:      i.startKey,
		ExpressionAttributeNames: map[string]*string{
			"#off":   aws.String(dynamo.AttrOffset),
			"#len":   aws.String(dynamo.AttrLength),
			"#bytes": aws.String(dynamo.AttrBytes),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":hk": {
				S: aws.String(dynamo.ChunkDataKey(i.key)),
			},
		},
	})
	queryHist.Observe(time.Since(t0).Seconds())

	if err != nil {
		return err
	}

	for _, item := range out.Items {
		info, err := itemToChunkInfo(item)
		if err != nil {
			return err
		}

		attr, ok := item[dynamo.AttrBytes]
		if !ok {
			return errors.New("no bytes attr found")
		}

		data, err := uncompressFunc(attr.B, i.chunkSize)
		if err != nil {
			return fmt.Errorf("decompress chunk seq=%d err: %w", info.Seq, err)
		}

		if int64(len(data)) != info.Length {
			return fmt.Errorf("chunk seq=%d length mismatch: stored=%d decoded=%d", info.Seq, info.Length, len(data))
		}

		i.cachedChunks = append(i.cachedChunks, chunkstore.Chunk{
			Seq:    info.Seq,
			Offset: info.Offset,
			Data:   data,
		})
	}

	i.startKey = out.LastEvaluatedKey
	if len(i.startKey) == 0 {
		i.done = true
	}
	return nil
}

func (i *chunkIterator) Chunk() chunkstore.Chunk {
	return i.cur
}

func (i *chunkIterator) Close() error {
	if i.err != nil {
		return i.err
	}

	i.err = errors.New("iter closed")
	return nil
}
