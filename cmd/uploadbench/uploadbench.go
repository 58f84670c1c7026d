package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"math/rand"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/divan/num2words"
	"github.com/psanford/donutupload"
	"github.com/psanford/donutupload/internal/dynamotest"
	"github.com/psanford/donutupload/internal/sqlitestore"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	mode        string
	dynamoTable string
	region      string
	chunkSize   int64
	changeLog   string
)

var rootCmd = &cobra.Command{
	Use:   "uploadbench",
	Short: "Benchmark resumable upload stores",
	Run:   benchAction,
}

func main() {
	rootCmd.Flags().StringVar(&mode, "mode", "local", "local|donutupload|local-dynamo")
	rootCmd.Flags().StringVar(&dynamoTable, "dynamo-table", "", "Table to use for donutupload mode")
	rootCmd.Flags().StringVar(&region, "region", "us-east-1", "AWS Region")
	rootCmd.Flags().Int64Var(&chunkSize, "chunk-size", 64*1024, "Chunk size in bytes")
	rootCmd.Flags().StringVar(&changeLog, "change-log", "", "Write the JSON change log to this file")

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func benchAction(cmd *cobra.Command, args []string) {
	secret, err := donutupload.GenerateSecret()
	if err != nil {
		panic(err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	opts := []donutupload.Option{
		donutupload.WithSecret(secret),
		donutupload.WithChunkSize(chunkSize),
		donutupload.WithLogger(logger),
	}

	if changeLog != "" {
		clf, err := os.Create(changeLog)
		if err != nil {
			panic(err)
		}
		defer clf.Close()
		opts = append(opts, donutupload.WithChangeLogWriter(clf))
	}

	var store *donutupload.Store

	switch mode {
	case "local":
		f, err := ioutil.TempFile("", "uploadbench.db")
		if err != nil {
			panic(err)
		}
		name := f.Name()
		f.Close()

		defer os.Remove(name)

		cs, err := sqlitestore.Open(name)
		if err != nil {
			logrus.Fatalf("Open sqlite err: %s", err)
		}
		defer cs.Close()

		store = donutupload.NewWithChunkStore(cs, opts...)
	case "donutupload":
		if dynamoTable == "" {
			logrus.Fatalf("--dynamo-table is required for mode=donutupload")
		}
		sess := session.Must(session.NewSession(&aws.Config{
			Region: &region,
		}))
		dynamoClient := dynamodb.New(sess)

		store = donutupload.New(dynamoClient, dynamoTable, opts...)
	case "local-dynamo":
		serverInfo, err := dynamotest.SetupDynamoServer()
		if err != nil {
			logrus.Fatal(err)
		}
		defer serverInfo.Cleanup()

		opts = append(opts, donutupload.WithWriteLocker(donutupload.NewDynamoWriteLocker(serverInfo.DB, serverInfo.TableName)))
		store = donutupload.New(serverInfo.DB, serverInfo.TableName, opts...)
	default:
		logrus.Fatalf("unknown mode %q", mode)
	}

	b := benchSuite{
		mode:  mode,
		store: store,
		ctx:   context.Background(),
	}
	b.run()
}

type benchSuite struct {
	mode  string
	store *donutupload.Store
	ctx   context.Context

	created   []string
	largeID   string
	largeData []byte
}

func (b *benchSuite) run() {
	checks := []benchmark{
		{
			name:  "create_100",
			run:   b.create,
			fatal: true,
		},
		{
			name: "small_writes_1000",
			run:  b.smallWrites,
		},
		{
			name: "large_write_8mib",
			run:  b.largeWrite,
		},
		{
			name: "resume_after_failure",
			run:  b.resumeAfterFailure,
		},
		{
			name: "read_back",
			run:  b.readBack,
		},
		{
			name: "remove_all",
			run:  b.removeAll,
		},
	}

	for i, check := range checks {
		d, err := check.run()
		if err != nil && check.fatal {
			logrus.Fatalf("mode=%s check=%s(%d) fatal_err=%s", b.mode, check.name, i, err)
		} else if err != nil {
			logrus.Errorf("mode=%s check=%s(%d) err=%s", b.mode, check.name, i, err)
			continue
		}

		logrus.Infof("mode=%s check=%s(%d) took=%dms", b.mode, check.name, i, d.Milliseconds())
	}
}

type benchmark struct {
	name  string
	fatal bool
	run   func() (time.Duration, error)
}

// wordPayload returns roughly n bytes of spelled out random numbers.
func wordPayload(n int) []byte {
	var buf bytes.Buffer
	for buf.Len() < n {
		buf.WriteString(num2words.Convert(rand.Intn(1000000)))
		buf.WriteByte('\n')
	}
	return buf.Bytes()[:n]
}

func (b *benchSuite) create() (time.Duration, error) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = donutupload.NewUploadID()
	}

	t0 := time.Now()
	for _, id := range ids {
		_, err := b.store.Create(b.ctx, id, nil, true, map[string]string{"bench": "create"})
		if err != nil {
			return 0, err
		}
		b.created = append(b.created, id)
	}
	return time.Since(t0), nil
}

// 1000 appends of one spelled out number each to a single upload
func (b *benchSuite) smallWrites() (time.Duration, error) {
	if len(b.created) == 0 {
		return 0, errors.New("no uploads created")
	}
	id := b.created[0]

	writes := make([]string, 1000)
	for i := range writes {
		writes[i] = num2words.Convert(rand.Intn(100000)) + "\n"
	}

	t0 := time.Now()
	t1 := time.Now()
	var off int64
	for i, w := range writes {
		size, err := b.store.Write(b.ctx, id, bytes.NewReader([]byte(w)), off)
		if err != nil {
			return 0, err
		}
		off = size
		if i%100 == 0 {
			logrus.Debugf("== %d took %s", i, time.Since(t1))
			t1 = time.Now()
		}
	}

	return time.Since(t0), nil
}

func (b *benchSuite) largeWrite() (time.Duration, error) {
	data := wordPayload(8 << 20)
	id := donutupload.NewUploadID()
	length := int64(len(data))

	t0 := time.Now()
	info, err := b.store.CreateWithUpload(b.ctx, id, &length, false, nil, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	d := time.Since(t0)

	if info.Size != length {
		return 0, fmt.Errorf("size mismatch: got %d want %d", info.Size, length)
	}

	b.created = append(b.created, id)
	b.largeID = id
	b.largeData = data
	return d, nil
}

type failAfter struct {
	r io.Reader
	n int64
}

func (f *failAfter) Read(p []byte) (int, error) {
	if f.n <= 0 {
		return 0, errors.New("simulated connection drop")
	}
	if int64(len(p)) > f.n {
		p = p[:f.n]
	}
	n, err := f.r.Read(p)
	f.n -= int64(n)
	return n, err
}

// write half of a payload through a failing stream, then resume
func (b *benchSuite) resumeAfterFailure() (time.Duration, error) {
	data := wordPayload(1 << 20)
	id := donutupload.NewUploadID()

	if _, err := b.store.Create(b.ctx, id, nil, true, nil); err != nil {
		return 0, err
	}
	b.created = append(b.created, id)

	t0 := time.Now()
	size, err := b.store.Write(b.ctx, id, &failAfter{r: bytes.NewReader(data), n: int64(len(data) / 2)}, 0)
	var streamErr *donutupload.StreamError
	if !errors.As(err, &streamErr) {
		return 0, fmt.Errorf("expected stream error, got %v", err)
	}

	info, err := b.store.GetOffset(b.ctx, id)
	if err != nil {
		return 0, err
	}
	if info.Size != size {
		return 0, fmt.Errorf("offset mismatch after failure: write=%d stored=%d", size, info.Size)
	}

	size, err = b.store.Write(b.ctx, id, bytes.NewReader(data[info.Size:]), info.Size)
	if err != nil {
		return 0, err
	}
	d := time.Since(t0)

	if size != int64(len(data)) {
		return 0, fmt.Errorf("final size: got %d want %d", size, len(data))
	}
	return d, nil
}

func (b *benchSuite) readBack() (time.Duration, error) {
	if b.largeID == "" {
		return 0, errors.New("large upload missing")
	}

	t0 := time.Now()
	r, err := b.store.OpenRead(b.ctx, b.largeID)
	if err != nil {
		return 0, err
	}
	got, err := ioutil.ReadAll(r)
	r.Close()
	if err != nil {
		return 0, err
	}
	d := time.Since(t0)

	if !bytes.Equal(got, b.largeData) {
		return 0, errors.New("read back mismatch")
	}
	return d, nil
}

func (b *benchSuite) removeAll() (time.Duration, error) {
	t0 := time.Now()
	for _, id := range b.created {
		if err := b.store.Remove(b.ctx, id); err != nil {
			return 0, err
		}
	}
	b.created = nil
	return time.Since(t0), nil
}
