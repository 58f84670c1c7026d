package dynamostore

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/google/go-cmp/cmp"
	"github.com/psanford/donutupload/chunkstore"
	"github.com/psanford/donutupload/internal/dynamo"
)

// fakeDB answers the handful of calls the store makes. Anything else
// panics on the nil embedded interface.
type fakeDB struct {
	dynamodbiface.DynamoDBAPI

	getItem       map[string]*dynamodb.AttributeValue
	updateItemErr error
	deleteItemErr error
	transactErr   error
	transactInput *dynamodb.TransactWriteItemsInput

	chunkItems []map[string]*dynamodb.AttributeValue
	pageSize   int

	// returned as unprocessed by the first BatchWriteItem call
	unprocessed []*dynamodb.WriteRequest
	batches     [][]*dynamodb.WriteRequest
}

func (f *fakeDB) GetItemWithContext(ctx aws.Context, in *dynamodb.GetItemInput, opts ...request.Option) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.getItem}, nil
}

func (f *fakeDB) UpdateItemWithContext(ctx aws.Context, in *dynamodb.UpdateItemInput, opts ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	return &dynamodb.UpdateItemOutput{}, f.updateItemErr
}

func (f *fakeDB) DeleteItemWithContext(ctx aws.Context, in *dynamodb.DeleteItemInput, opts ...request.Option) (*dynamodb.DeleteItemOutput, error) {
	return &dynamodb.DeleteItemOutput{}, f.deleteItemErr
}

func (f *fakeDB) TransactWriteItemsWithContext(ctx aws.Context, in *dynamodb.TransactWriteItemsInput, opts ...request.Option) (*dynamodb.TransactWriteItemsOutput, error) {
	f.transactInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.transactErr
}

func (f *fakeDB) QueryPagesWithContext(ctx aws.Context, in *dynamodb.QueryInput, fn func(*dynamodb.QueryOutput, bool) bool, opts ...request.Option) error {
	items := f.chunkItems
	for len(items) > 0 {
		n := f.pageSize
		if n > len(items) {
			n = len(items)
		}
		page := items[:n]
		items = items[n:]
		if !fn(&dynamodb.QueryOutput{Items: page}, len(items) == 0) {
			return nil
		}
	}
	return nil
}

func (f *fakeDB) BatchWriteItemWithContext(ctx aws.Context, in *dynamodb.BatchWriteItemInput, opts ...request.Option) (*dynamodb.BatchWriteItemOutput, error) {
	reqs := in.RequestItems["tbl"]
	f.batches = append(f.batches, append([]*dynamodb.WriteRequest(nil), reqs...))

	out := &dynamodb.BatchWriteItemOutput{}
	if f.unprocessed != nil {
		out.UnprocessedItems = map[string][]*dynamodb.WriteRequest{
			"tbl": f.unprocessed,
		}
		f.unprocessed = nil
	}
	return out, nil
}

func reason(code string, item map[string]*dynamodb.AttributeValue) *dynamodb.CancellationReason {
	return &dynamodb.CancellationReason{
		Code: aws.String(code),
		Item: item,
	}
}

func TestAppendErr(t *testing.T) {
	other := errors.New("throttled")
	record := fileRecordToItem(&chunkstore.FileRecord{Key: "k", Size: 12})

	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "not a transaction error",
			err:  other,
			want: other,
		},
		{
			name: "chunk exists",
			err: &dynamodb.TransactionCanceledException{
				CancellationReasons: []*dynamodb.CancellationReason{
					reason("ConditionalCheckFailed", nil),
					reason("None", nil),
				},
			},
			want: chunkstore.ErrChunkExists,
		},
		{
			name: "chunk exists and size moved",
			err: &dynamodb.TransactionCanceledException{
				CancellationReasons: []*dynamodb.CancellationReason{
					reason("ConditionalCheckFailed", nil),
					reason("ConditionalCheckFailed", record),
				},
			},
			want: chunkstore.ErrChunkExists,
		},
		{
			name: "size moved",
			err: &dynamodb.TransactionCanceledException{
				CancellationReasons: []*dynamodb.CancellationReason{
					reason("None", nil),
					reason("ConditionalCheckFailed", record),
				},
			},
			want: chunkstore.ErrSizeMismatch,
		},
		{
			name: "no record",
			err: &dynamodb.TransactionCanceledException{
				CancellationReasons: []*dynamodb.CancellationReason{
					reason("None", nil),
					reason("ConditionalCheckFailed", nil),
				},
			},
			want: chunkstore.ErrFileNotFound,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := appendErr(tc.err)
			if !errors.Is(got, tc.want) {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}

	conflict := &dynamodb.TransactionCanceledException{
		CancellationReasons: []*dynamodb.CancellationReason{
			reason("None", nil),
			reason("TransactionConflict", nil),
		},
	}
	if got := appendErr(conflict); got != conflict {
		t.Fatalf("transaction conflict should pass through, got %v", got)
	}
}

func TestAppendChunkRequest(t *testing.T) {
	db := &fakeDB{}
	s := New(db, "tbl")

	err := s.AppendChunk(context.Background(), "k", chunkstore.Chunk{Seq: 3, Offset: 24, Data: []byte("donut")})
	if err != nil {
		t.Fatal(err)
	}

	items := db.transactInput.TransactItems
	if len(items) != 2 || items[0].Put == nil || items[1].Update == nil {
		t.Fatalf("unexpected transaction shape: %v", items)
	}

	u := items[1].Update
	got := map[string]string{
		"expected": *u.ExpressionAttributeValues[":expected"].N,
		"delta":    *u.ExpressionAttributeValues[":delta"].N,
		"return":   *u.ReturnValuesOnConditionCheckFailure,
	}
	want := map[string]string{
		"expected": "24",
		"delta":    "5",
		"return":   dynamodb.ReturnValuesOnConditionCheckFailureAllOld,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("size update mismatch (-want +got):\n%s", diff)
	}

	db.transactErr = &dynamodb.TransactionCanceledException{
		CancellationReasons: []*dynamodb.CancellationReason{
			reason("None", nil),
			reason("ConditionalCheckFailed", nil),
		},
	}
	err = s.AppendChunk(context.Background(), "k", chunkstore.Chunk{Seq: 4, Offset: 29, Data: []byte("x")})
	if !errors.Is(err, chunkstore.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}

func TestIncrementSizeConditionFailed(t *testing.T) {
	ctx := context.Background()
	db := &fakeDB{
		updateItemErr: &dynamodb.ConditionalCheckFailedException{Message_: aws.String("condition failed")},
	}
	s := New(db, "tbl")

	db.getItem = fileRecordToItem(&chunkstore.FileRecord{Key: "k", Size: 8})
	if err := s.IncrementSize(ctx, "k", 4, 4); !errors.Is(err, chunkstore.ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}

	db.getItem = nil
	if err := s.IncrementSize(ctx, "k", 4, 4); !errors.Is(err, chunkstore.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}

func TestSetDeclaredLengthConditionFailed(t *testing.T) {
	ctx := context.Background()
	db := &fakeDB{
		updateItemErr: &dynamodb.ConditionalCheckFailedException{Message_: aws.String("condition failed")},
	}
	s := New(db, "tbl")

	declared := int64(10)
	db.getItem = fileRecordToItem(&chunkstore.FileRecord{Key: "k", DeclaredLength: &declared})
	if err := s.SetDeclaredLength(ctx, "k", 20); !errors.Is(err, chunkstore.ErrLengthDeclared) {
		t.Fatalf("expected ErrLengthDeclared, got %v", err)
	}

	db.getItem = nil
	if err := s.SetDeclaredLength(ctx, "k", 20); !errors.Is(err, chunkstore.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}

func TestDeleteBatches(t *testing.T) {
	db := &fakeDB{
		// the record is already gone; the chunks must still go
		deleteItemErr: &dynamodb.ConditionalCheckFailedException{Message_: aws.String("condition failed")},
		pageSize:      30,
	}
	for seq := int64(0); seq < 60; seq++ {
		db.chunkItems = append(db.chunkItems, chunkKey("k", seq))
	}
	db.unprocessed = []*dynamodb.WriteRequest{
		{DeleteRequest: &dynamodb.DeleteRequest{Key: chunkKey("k", 0)}},
		{DeleteRequest: &dynamodb.DeleteRequest{Key: chunkKey("k", 1)}},
	}

	s := New(db, "tbl")
	err := s.DeleteFileAndChunks(context.Background(), "k")
	if !errors.Is(err, chunkstore.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}

	var sizes []int
	deleted := make(map[string]bool)
	for _, batch := range db.batches {
		sizes = append(sizes, len(batch))
		for _, req := range batch {
			deleted[*req.DeleteRequest.Key[dynamo.RKey].N] = true
		}
	}

	// 25, the resubmitted unprocessed pair, 25, then the last 10
	if diff := cmp.Diff([]int{25, 2, 25, 10}, sizes); diff != "" {
		t.Fatalf("batch sizes mismatch (-want +got):\n%s", diff)
	}
	for seq := 0; seq < 60; seq++ {
		if !deleted[strconv.Itoa(seq)] {
			t.Fatalf("chunk %d not deleted", seq)
		}
	}
}
