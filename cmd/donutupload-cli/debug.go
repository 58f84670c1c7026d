package main

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/psanford/donutupload/internal/dynamo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func debugCommand() *cobra.Command {
	cmd := cobra.Command{
		Use:   "debug",
		Short: "Debug commands",
	}

	cmd.AddCommand(getKVCommand())
	cmd.AddCommand(keyCommand())

	return &cmd
}

func getKVCommand() *cobra.Command {
	cmd := cobra.Command{
		Use:   "get_kv <hash_key> <range_key>",
		Short: "Get a raw item from the dynamodb table",
		Run:   getKVAction,
	}

	return &cmd
}

func getKVAction(cmd *cobra.Command, args []string) {
	if len(args) < 2 {
		logrus.Fatalf("Usage: get_kv <hash_key> <range_key>")
	}

	hashKey := args[0]
	rangeKey := args[1]

	cfg, err := loadConfig()
	if err != nil {
		logrus.Fatal(err)
	}
	if cfg.Table == "" {
		logrus.Fatalf("table is required")
	}

	db := dynamoClient(cfg)

	item, err := db.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: &cfg.Table,
		Key: map[string]*dynamodb.AttributeValue{
			dynamo.HKey: {
				S: &hashKey,
			},
			dynamo.RKey: {
				N: &rangeKey,
			},
		},
	})

	if err != nil {
		logrus.Fatalf("Get item err: %s", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	result := dynamoAttributeValueMapToEmptyInterfaceMap(item.Item)
	err = enc.Encode(result)
	if err != nil {
		logrus.Fatal(err)
	}
}

func keyCommand() *cobra.Command {
	cmd := cobra.Command{
		Use:   "key <upload_id>",
		Short: "Print the storage hash keys for an upload id",
		Run:   keyAction,
	}

	return &cmd
}

func keyAction(cmd *cobra.Command, args []string) {
	if len(args) < 1 {
		logrus.Fatalf("Usage: key <upload_id>")
	}

	b := mustBackend()
	defer b.close()

	key := b.store.Key(args[0])
	out := map[string]string{
		"key":     key,
		"meta_hk": dynamo.FileMetaKey(key),
		"data_hk": dynamo.ChunkDataKey(key),
		"lock_hk": dynamo.WriteLockKey(key),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logrus.Fatal(err)
	}
}

func dynamoAttributeValueMapToEmptyInterfaceMap(in map[string]*dynamodb.AttributeValue) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range in {
		out[k] = dynamoAttributeValueToEmptyInterface(v)
	}

	return out
}

func dynamoAttributeValueToEmptyInterface(v *dynamodb.AttributeValue) interface{} {
	if v.B != nil {
		return v.B
	} else if v.BOOL != nil {
		return *v.BOOL
	} else if v.BS != nil {
		return v.BS
	} else if v.L != nil {
		out := make([]interface{}, len(v.L))
		for i, v := range v.L {
			out[i] = dynamoAttributeValueToEmptyInterface(v)
		}
		return out
	} else if v.M != nil {
		return dynamoAttributeValueMapToEmptyInterfaceMap(v.M)
	} else if v.N != nil {
		f, err := strconv.ParseFloat(*v.N, 64)
		if err != nil {
			return *v.N
		}
		return f
	} else if v.NS != nil {
		out := make([]interface{}, len(v.NS))
		for i, v := range v.NS {
			f, err := strconv.ParseFloat(*v, 64)
			if err != nil {
				out[i] = *v
				continue
			}
			out[i] = f
		}
		return out
	} else if v.NULL != nil {
		return nil
	} else if v.S != nil {
		return *v.S
	} else if v.SS != nil {
		out := make([]string, len(v.SS))
		for i, v := range v.SS {
			out[i] = *v
		}
		return out
	}

	return nil
}
