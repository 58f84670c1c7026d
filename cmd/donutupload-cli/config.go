package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/psanford/donutupload"
	"github.com/psanford/donutupload/chunkstore"
	"github.com/psanford/donutupload/internal/dynamostore"
	"github.com/psanford/donutupload/internal/sqlitestore"
	"github.com/psanford/donutupload/writelock"
	"github.com/psanford/donutupload/writelock/redislock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type Config struct {
	Backend    string `mapstructure:"backend"`
	Table      string `mapstructure:"table"`
	Region     string `mapstructure:"region"`
	Endpoint   string `mapstructure:"endpoint"`
	SQLitePath string `mapstructure:"sqlite_path"`
	Secret     string `mapstructure:"secret"`
	ChunkSize  int64  `mapstructure:"chunk_size"`
	Lock       string `mapstructure:"lock"`
	RedisAddr  string `mapstructure:"redis_addr"`
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".donutupload.yaml"
	}
	return filepath.Join(home, ".donutupload.yaml")
}

func initConfig() {
	region := "us-east-1"
	if os.Getenv("AWS_DEFAULT_REGION") != "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}

	viper.SetDefault("backend", "dynamo")
	viper.SetDefault("table", "")
	viper.SetDefault("region", region)
	viper.SetDefault("endpoint", "")
	viper.SetDefault("sqlite_path", "donutupload.db")
	viper.SetDefault("secret", "")
	viper.SetDefault("chunk_size", donutupload.DefaultChunkSize)
	viper.SetDefault("lock", "none")
	viper.SetDefault("redis_addr", "")

	viper.SetEnvPrefix("DONUTUPLOAD")
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigFile(defaultConfigPath())
	}

	if verboseOutput {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	err := viper.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			logrus.Debugf("no config file at %s, using flags and environment", viper.ConfigFileUsed())
			return
		}
		logrus.Fatalf("Read config err: %s", err)
	}
	logrus.Debugf("using config file %s", viper.ConfigFileUsed())
}

func loadConfig() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func configCommand() *cobra.Command {
	cmd := cobra.Command{
		Use:   "config",
		Short: "Manage the CLI configuration file",
	}

	cmd.AddCommand(configInitCommand())

	return &cmd
}

var forceConfigInit bool

func configInitCommand() *cobra.Command {
	cmd := cobra.Command{
		Use:   "init",
		Short: "Write a config file with a new key derivation secret",
		Run:   configInitAction,
	}

	cmd.Flags().BoolVar(&forceConfigInit, "force", false, "Overwrite an existing config file (uploads created with the old secret become unreachable)")

	return &cmd
}

func configInitAction(cmd *cobra.Command, args []string) {
	path := viper.ConfigFileUsed()

	if _, err := os.Stat(path); err == nil && !forceConfigInit {
		logrus.Fatalf("Config file %s already exists, won't overwrite without --force", path)
	}

	secret, err := donutupload.GenerateSecret()
	if err != nil {
		logrus.Fatalf("Generate secret err: %s", err)
	}
	viper.Set("secret", hex.EncodeToString(secret))

	err = viper.WriteConfigAs(path)
	if err != nil {
		logrus.Fatalf("Write config err: %s", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		logrus.Fatalf("Chmod config err: %s", err)
	}

	logrus.Infof("wrote %s", path)
}

type backend struct {
	store *donutupload.Store
	list  func(fn func(rec *chunkstore.FileRecord) bool) error
	close func()
}

func dynamoClient(cfg *Config) *dynamodb.DynamoDB {
	awsCfg := aws.Config{
		Region: &cfg.Region,
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = &cfg.Endpoint
	}
	sess := session.Must(session.NewSession(&awsCfg))
	return dynamodb.New(sess)
}

func openBackend(cfg *Config) (*backend, error) {
	if cfg.Secret == "" {
		return nil, errors.New("no secret configured; run `donutupload-cli config init` or set DONUTUPLOAD_SECRET")
	}
	secret, err := hex.DecodeString(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("secret is not valid hex: %w", err)
	}

	var (
		cs     chunkstore.ChunkStore
		b      backend
		db     *dynamodb.DynamoDB
		closer = func() {}
	)

	switch cfg.Backend {
	case "dynamo":
		if cfg.Table == "" {
			return nil, errors.New("table is required for the dynamo backend")
		}
		db = dynamoClient(cfg)
		ds := dynamostore.New(db, cfg.Table)
		cs = ds
		b.list = func(fn func(rec *chunkstore.FileRecord) bool) error {
			return ds.List(ctx, fn)
		}
	case "sqlite":
		ss, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s err: %w", cfg.SQLitePath, err)
		}
		cs = ss
		closer = func() { ss.Close() }
		b.list = func(fn func(rec *chunkstore.FileRecord) bool) error {
			return ss.List(ctx, fn)
		}
	default:
		return nil, fmt.Errorf("unknown backend %q (want dynamo or sqlite)", cfg.Backend)
	}

	if err := donutupload.CheckChunkSize(cs, cfg.ChunkSize); err != nil {
		closer()
		return nil, err
	}

	opts := []donutupload.Option{
		donutupload.WithSecret(secret),
		donutupload.WithChunkSize(cfg.ChunkSize),
		donutupload.WithLogger(logrus.StandardLogger()),
	}

	var locker writelock.Locker
	switch cfg.Lock {
	case "", "none":
	case "local":
		locker = writelock.NewLocal()
	case "dynamo":
		if db == nil {
			closer()
			return nil, errors.New("lock=dynamo requires the dynamo backend")
		}
		locker = donutupload.NewDynamoWriteLocker(db, cfg.Table)
	case "redis":
		rl, err := redislock.NewFromURL(cfg.RedisAddr)
		if err != nil {
			closer()
			return nil, fmt.Errorf("redis lock err: %w", err)
		}
		locker = rl
	default:
		closer()
		return nil, fmt.Errorf("unknown lock %q (want none, local, dynamo or redis)", cfg.Lock)
	}
	if locker != nil {
		opts = append(opts, donutupload.WithWriteLocker(locker))
	}

	b.store = donutupload.NewWithChunkStore(cs, opts...)
	b.close = closer
	return &b, nil
}

func mustBackend() *backend {
	cfg, err := loadConfig()
	if err != nil {
		logrus.Fatal(err)
	}
	b, err := openBackend(cfg)
	if err != nil {
		logrus.Fatal(err)
	}
	return b
}
