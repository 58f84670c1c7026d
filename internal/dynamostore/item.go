package dynamostore

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/psanford/donutupload/chunkstore"
	"github.com/psanford/donutupload/internal/dynamo"
)

func metaKey(key string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		dynamo.HKey: {
			S: aws.String(dynamo.FileMetaKey(key)),
		},
		dynamo.RKey: {
			N: aws.String("0"),
		},
	}
}

func chunkKey(key string, seq int64) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		dynamo.HKey: {
			S: aws.String(dynamo.ChunkDataKey(key)),
		},
		dynamo.RKey: {
			N: aws.String(strconv.FormatInt(seq, 10)),
		},
	}
}

func fileRecordToItem(rec *chunkstore.FileRecord) map[string]*dynamodb.AttributeValue {
	item := metaKey(rec.Key)
	item[dynamo.AttrExternalID] = &dynamodb.AttributeValue{S: aws.String(rec.ExternalID)}
	item[dynamo.AttrFileSize] = &dynamodb.AttributeValue{N: aws.String(strconv.FormatInt(rec.Size, 10))}
	item[dynamo.AttrChunkSize] = &dynamodb.AttributeValue{N: aws.String(strconv.FormatInt(rec.ChunkSize, 10))}
	item[dynamo.AttrDeferLength] = &dynamodb.AttributeValue{BOOL: aws.Bool(rec.DeferLength)}
	item[dynamo.AttrCreatedAt] = &dynamodb.AttributeValue{S: aws.String(rec.CreatedAt.UTC().Format(time.RFC3339Nano))}
	item[dynamo.AttrCompressAlg] = &dynamodb.AttributeValue{S: aws.String(compressAlg)}

	if rec.DeclaredLength != nil {
		item[dynamo.AttrDeclaredLength] = &dynamodb.AttributeValue{N: aws.String(strconv.FormatInt(*rec.DeclaredLength, 10))}
	}

	if len(rec.Metadata) > 0 {
		m := make(map[string]*dynamodb.AttributeValue, len(rec.Metadata))
		for k, v := range rec.Metadata {
			m[k] = &dynamodb.AttributeValue{S: aws.String(v)}
		}
		item[dynamo.AttrMetadata] = &dynamodb.AttributeValue{M: m}
	}

	return item
}

func itemToFileRecord(key string, item map[string]*dynamodb.AttributeValue) (*chunkstore.FileRecord, error) {
	rec := chunkstore.FileRecord{
		Key: key,
	}

	if v := item[dynamo.AttrExternalID]; v != nil && v.S != nil {
		rec.ExternalID = *v.S
	}

	var err error
	rec.Size, err = numberAttr(item, dynamo.AttrFileSize)
	if err != nil {
		return nil, err
	}
	rec.ChunkSize, err = numberAttr(item, dynamo.AttrChunkSize)
	if err != nil {
		return nil, err
	}

	if v := item[dynamo.AttrDeclaredLength]; v != nil && v.N != nil {
		l, err := strconv.ParseInt(*v.N, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s does not parse to an int: %s %w", dynamo.AttrDeclaredLength, *v.N, err)
		}
		rec.DeclaredLength = &l
	}

	if v := item[dynamo.AttrDeferLength]; v != nil && v.BOOL != nil {
		rec.DeferLength = *v.BOOL
	}

	if v := item[dynamo.AttrCreatedAt]; v != nil && v.S != nil {
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, *v.S)
		if err != nil {
			return nil, fmt.Errorf("decode %s err: %w", dynamo.AttrCreatedAt, err)
		}
	}

	if v := item[dynamo.AttrMetadata]; v != nil && v.M != nil {
		rec.Metadata = make(map[string]string, len(v.M))
		for k, mv := range v.M {
			if mv.S != nil {
				rec.Metadata[k] = *mv.S
			}
		}
	}

	return &rec, nil
}

func numberAttr(item map[string]*dynamodb.AttributeValue, name string) (int64, error) {
	v := item[name]
	if v == nil || v.N == nil {
		return 0, fmt.Errorf("%s is not a number", name)
	}
	n, err := strconv.ParseInt(*v.N, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s does not parse to an int: %s %w", name, *v.N, err)
	}
	return n, nil
}

func itemToChunkInfo(item map[string]*dynamodb.AttributeValue) (chunkstore.ChunkInfo, error) {
	var (
		info chunkstore.ChunkInfo
		err  error
	)
	info.Seq, err = numberAttr(item, dynamo.RKey)
	if err != nil {
		return info, err
	}
	info.Offset, err = numberAttr(item, dynamo.AttrOffset)
	if err != nil {
		return info, err
	}
	info.Length, err = numberAttr(item, dynamo.AttrLength)
	if err != nil {
		return info, err
	}
	return info, nil
}
