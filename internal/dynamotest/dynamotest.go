// Package dynamotest connects tests to a DynamoDB endpoint, optionally
// starting DynamoDB Local.
//
//	DONUTUPLOAD_DYNAMODB_TEST_REGION      region (required unless LOCAL_DIR is set)
//	DONUTUPLOAD_DYNAMODB_TEST_ADDR        endpoint url
//	DONUTUPLOAD_DYNAMODB_TEST_TABLE_NAME  existing table; created when empty
//	DONUTUPLOAD_DYNAMODB_LOCAL_DIR        directory holding DynamoDBLocal.jar
package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/psanford/donutupload/internal/dynamostore"
	"github.com/sirupsen/logrus"
)

// ErrNotConfigured is returned when no DynamoDB endpoint is configured
// through the environment. Tests skip on it.
var ErrNotConfigured = errors.New("missing required environment variables to connect to dynamodb (either local or remote)")

func SetupDynamoServer() (*DynamoServerInfo, error) {
	info := DynamoServerInfo{
		TableName: os.Getenv("DONUTUPLOAD_DYNAMODB_TEST_TABLE_NAME"),
		Addr:      os.Getenv("DONUTUPLOAD_DYNAMODB_TEST_ADDR"),
		Region:    os.Getenv("DONUTUPLOAD_DYNAMODB_TEST_REGION"),
	}

	// if set, test will try to start local dynamo db jar
	dynamoLocalDir := os.Getenv("DONUTUPLOAD_DYNAMODB_LOCAL_DIR")

	var cleanups []func()
	info.Cleanup = func() {
		for _, cleanupFunc := range cleanups {
			cleanupFunc()
		}
	}

	if dynamoLocalDir != "" {
		port := 8000

		// get a random port to listen on
		l, err := net.Listen("tcp", ":0")
		if err == nil {
			port = l.Addr().(*net.TCPAddr).Port
			l.Close()
		}

		logrus.Infof("Starting local dynamodb server on %d", port)
		cmd := exec.Command("java", "-Djava.library.path="+filepath.Join(dynamoLocalDir, "DynamoDBLocal_lib"), "-jar", filepath.Join(dynamoLocalDir, "DynamoDBLocal.jar"), "-sharedDb", "-inMemory", "-port", strconv.Itoa(port))
		err = cmd.Start()
		if err != nil {
			return nil, err
		}
		cleanups = append(cleanups, func() {
			cmd.Process.Kill()
		})

		if info.Addr == "" {
			info.Addr = fmt.Sprintf("http://localhost:%d", port)
		}
		if info.Region == "" {
			info.Region = "us-east-2"
		}

		os.Setenv("AWS_ACCESS_KEY_ID", "fakeMyKeyId")
		os.Setenv("AWS_SECRET_ACCESS_KEY", "fakeSecretAccessKey")

		deadline := time.Now().Add(5 * time.Second)
		var connectOK bool
		for time.Now().Before(deadline) {
			resp, err := http.Get(info.Addr)
			if err != nil {
				time.Sleep(1 * time.Millisecond)
				continue
			}
			resp.Body.Close()
			connectOK = true
			break
		}

		if !connectOK {
			info.Cleanup()
			return nil, fmt.Errorf("failed to connect to test dynamodb server within deadline")
		}
	}

	if info.Region == "" {
		return nil, ErrNotConfigured
	}

	sess := session.Must(session.NewSessionWithOptions(session.Options{
		Config: aws.Config{
			Region:     &info.Region,
			Endpoint:   &info.Addr,
			MaxRetries: aws.Int(0),
		},
	}))
	info.DB = dynamodb.New(sess)

	if info.TableName == "" {
		info.TableName = fmt.Sprintf("donutupload-test-%d", time.Now().UnixNano())

		err := dynamostore.CreateTable(context.Background(), info.DB, info.TableName)
		if err != nil {
			info.Cleanup()
			return nil, err
		}
	}

	return &info, nil
}

type DynamoServerInfo struct {
	Region    string
	Addr      string
	TableName string
	Cleanup   func()
	DB        *dynamodb.DynamoDB
}
