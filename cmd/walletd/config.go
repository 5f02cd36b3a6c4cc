package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/logger"
)

const (
	BrokerKafka  = "kafka"
	BrokerMemory = "memory"
)

const (
	defaultListenAddr            = "localhost:8000"
	defaultLoggingLevel          = logger.LevelInfo
	defaultEnvironment           = logger.EnvProduction
	defaultBroker                = BrokerKafka
	defaultKafkaBroker           = "localhost:9092"
	defaultKafkaTopic            = "wallet.transactions"
	defaultKafkaDLQTopic         = "wallet.transactions.dlq"
	defaultKafkaGroup            = "wallet-settlement"
	defaultFXAPIURL              = "https://api.exchangerate-api.com/v4/latest/"
	defaultFXCacheTTL            = time.Hour
	defaultSettlementPartitions  = 8
	defaultSettlementMaxAttempts = 3
	defaultSettlementSweep       = time.Minute
	defaultSettlementStaleAfter  = 5 * time.Minute
)

type Config struct {
	// Default logging level
	LogLevel string

	// Environment (dev, prod)
	Environment string

	// Address on which the wallet service will be run
	ListenAddr string

	// Database to connect to
	DatabaseDSN string

	// Upper bound of pool connections; zero keeps pgxpool default
	DatabaseMaxConns int32

	// Command channel: 'kafka' or in-process 'memory'
	Broker        string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaDLQTopic string
	KafkaGroup    string

	// Rate cache; empty address disables it
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Rate provider base url, the source currency code is appended to it
	FXAPIURL   string
	FXCacheTTL time.Duration

	// Partitions of the memory broker
	SettlementPartitions int

	// Settlement attempts per command before it goes to the dead-letter topic
	SettlementMaxAttempts int

	// PENDING transactions older than SettlementStaleAfter get their command published again
	SettlementSweepInterval time.Duration
	SettlementStaleAfter    time.Duration
}

func NewConfig() *Config {
	return &Config{
		LogLevel:              defaultLoggingLevel,
		Environment:           defaultEnvironment,
		ListenAddr:            defaultListenAddr,
		Broker:                defaultBroker,
		KafkaBrokers:          []string{defaultKafkaBroker},
		KafkaTopic:            defaultKafkaTopic,
		KafkaDLQTopic:         defaultKafkaDLQTopic,
		KafkaGroup:            defaultKafkaGroup,
		FXAPIURL:              defaultFXAPIURL,
		FXCacheTTL:            defaultFXCacheTTL,
		SettlementPartitions:  defaultSettlementPartitions,
		SettlementMaxAttempts: defaultSettlementMaxAttempts,

		SettlementSweepInterval: defaultSettlementSweep,
		SettlementStaleAfter:    defaultSettlementStaleAfter,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}

	setList := func(o *[]string) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			var items []string
			for _, item := range strings.Split(value, ",") {
				if item = strings.TrimSpace(item); item != "" {
					items = append(items, item)
				}
			}
			*o = items
			return nil
		}
	}

	setInt := func(o *int) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			n, err := strconv.Atoi(value)
			if err != nil {
				return err
			}
			*o = n
			return nil
		}
	}

	setInt32 := func(o *int32) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			n, err := strconv.ParseInt(value, 10, 32)
			if err != nil {
				return err
			}
			*o = int32(n)
			return nil
		}
	}

	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":             setString(&c.ListenAddr),
		"DATABASE_URI":            setString(&c.DatabaseDSN),
		"DATABASE_MAX_CONNS":      setInt32(&c.DatabaseMaxConns),
		"LOG_LEVEL":               setString(&c.LogLevel),
		"ENVIRONMENT":             setString(&c.Environment),
		"BROKER":                  setString(&c.Broker),
		"KAFKA_BROKERS":           setList(&c.KafkaBrokers),
		"KAFKA_TOPIC":             setString(&c.KafkaTopic),
		"KAFKA_DLQ_TOPIC":         setString(&c.KafkaDLQTopic),
		"KAFKA_GROUP":             setString(&c.KafkaGroup),
		"REDIS_ADDR":              setString(&c.RedisAddr),
		"REDIS_PASSWORD":          setString(&c.RedisPassword),
		"REDIS_DB":                setInt(&c.RedisDB),
		"FX_API_URL":              setString(&c.FXAPIURL),
		"FX_CACHE_TTL":            setDuration(&c.FXCacheTTL),
		"SETTLEMENT_PARTITIONS":   setInt(&c.SettlementPartitions),
		"SETTLEMENT_MAX_ATTEMPTS": setInt(&c.SettlementMaxAttempts),

		"SETTLEMENT_SWEEP_INTERVAL": setDuration(&c.SettlementSweepInterval),
		"SETTLEMENT_STALE_AFTER":    setDuration(&c.SettlementStaleAfter),
	}

	var errs []error
	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("walletd", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.Int32Var(&c.DatabaseMaxConns, "database-max-conns", c.DatabaseMaxConns, "Database pool size (0 keeps default)")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVarP(&c.Broker, "broker", "b", c.Broker, "Command broker (kafka, memory)")
	fs.StringSliceVar(&c.KafkaBrokers, "kafka-brokers", c.KafkaBrokers, "Kafka bootstrap brokers")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", c.KafkaTopic, "Settlement commands topic")
	fs.StringVar(&c.KafkaDLQTopic, "kafka-dlq-topic", c.KafkaDLQTopic, "Dead-letter topic")
	fs.StringVar(&c.KafkaGroup, "kafka-group", c.KafkaGroup, "Settlement consumer group")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis address for rate cache (empty disables cache)")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "Redis database")
	fs.StringVar(&c.FXAPIURL, "fx-api-url", c.FXAPIURL, "Exchange rate provider url")
	fs.DurationVar(&c.FXCacheTTL, "fx-cache-ttl", c.FXCacheTTL, "Exchange rate cache TTL")
	fs.IntVar(&c.SettlementPartitions, "settlement-partitions", c.SettlementPartitions, "Partitions of memory broker")
	fs.IntVar(&c.SettlementMaxAttempts, "settlement-max-attempts", c.SettlementMaxAttempts, "Settlement attempts per command")
	fs.DurationVar(&c.SettlementSweepInterval, "settlement-sweep-interval", c.SettlementSweepInterval, "How often stale PENDING transactions are looked up")
	fs.DurationVar(&c.SettlementStaleAfter, "settlement-stale-after", c.SettlementStaleAfter, "Age after which a PENDING transaction is published again")

	return fs.Parse(args)
}

// Validate checks options that have no usable default
func (c *Config) Validate() error {
	switch {
	case c.DatabaseDSN == "":
		return errors.New("database DSN is required")
	case c.DatabaseMaxConns < 0:
		return errors.New("database max conns must not be negative")
	case c.Broker != BrokerKafka && c.Broker != BrokerMemory:
		return fmt.Errorf("unknown broker %q", c.Broker)
	case c.Broker == BrokerKafka && len(c.KafkaBrokers) == 0:
		return errors.New("kafka brokers are required")
	case c.KafkaTopic == "":
		return errors.New("commands topic is required")
	case c.SettlementPartitions <= 0:
		return errors.New("settlement partitions must be positive")
	case c.SettlementMaxAttempts <= 0:
		return errors.New("settlement max attempts must be positive")
	case c.FXCacheTTL <= 0:
		return errors.New("fx cache ttl must be positive")
	case c.SettlementSweepInterval <= 0 || c.SettlementStaleAfter <= 0:
		return errors.New("settlement sweep interval and stale age must be positive")
	}
	return nil
}
