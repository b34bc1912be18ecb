package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	TransportMemory = "memory"
	TransportSNS    = "sns"
	TransportKafka  = "kafka"

	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Config struct {
	ServiceName string    `mapstructure:"service_name"`
	Env         string    `mapstructure:"env"`
	Port        string    `mapstructure:"port"`
	LogLevel    string    `mapstructure:"log_level"`
	Transport   string    `mapstructure:"transport"`
	Storage     string    `mapstructure:"storage"`
	Database    Database  `mapstructure:"database"`
	AWS         AWS       `mapstructure:"aws"`
	Kafka       Kafka     `mapstructure:"kafka"`
	Redis       Redis     `mapstructure:"redis"`
	Telemetry   Telemetry `mapstructure:"telemetry"`
	Steps       Steps     `mapstructure:"steps"`
}

type Database struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

type AWS struct {
	Region      string `mapstructure:"region"`
	Endpoint    string `mapstructure:"endpoint"`
	SNSTopicArn string `mapstructure:"sns_topic_arn"`
	SQSQueueURL string `mapstructure:"sqs_queue_url"`
}

type Kafka struct {
	Brokers     []string `mapstructure:"brokers"`
	GroupID     string   `mapstructure:"group_id"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

type Redis struct {
	URL       string        `mapstructure:"url"`
	DedupeTTL time.Duration `mapstructure:"dedupe_ttl"`
}

type Telemetry struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Steps configures the three status-checked steps of the workflow
type Steps struct {
	Payment      Step          `mapstructure:"payment"`
	Barista      Step          `mapstructure:"barista"`
	Delivery     Step          `mapstructure:"delivery"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`
}

// Step points a step at its status oracle
type Step struct {
	BaseURL     string        `mapstructure:"base_url"`
	Concurrency int           `mapstructure:"concurrency"`
	Ordered     bool          `mapstructure:"ordered"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func ReadConfig() (*Config, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return nil, fmt.Errorf("unable to get current file")
	}

	v := viper.New()
	v.SetConfigName(getConfigName())
	v.SetConfigType("json")
	v.AddConfigPath(filepath.Dir(filename))

	// Allow environment variables to override config
	v.SetEnvPrefix("COFFEEHUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func getConfigName() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		return "local"
	}
	return env
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "workflow-service")
	v.SetDefault("env", "local")
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("transport", TransportMemory)
	v.SetDefault("storage", StorageMemory)

	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.database", "coffeehut")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.sns_topic_arn", "")
	v.SetDefault("aws.sqs_queue_url", "")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "coffeehut-workflow")
	v.SetDefault("kafka.topic_prefix", "")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.dedupe_ttl", "24h")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "")

	for _, step := range []string{"payment", "barista", "delivery"} {
		v.SetDefault("steps."+step+".base_url", "http://localhost:9000/"+step)
		v.SetDefault("steps."+step+".concurrency", 4)
		v.SetDefault("steps."+step+".ordered", true)
		v.SetDefault("steps."+step+".timeout", "5s")
	}
	v.SetDefault("steps.restart_delay", "1s")
}

// Validate checks that the selected transport and storage are configured
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportMemory:
	case TransportSNS:
		if c.AWS.SNSTopicArn == "" || c.AWS.SQSQueueURL == "" {
			return fmt.Errorf("sns transport requires aws.sns_topic_arn and aws.sqs_queue_url")
		}
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 || c.Kafka.GroupID == "" {
			return fmt.Errorf("kafka transport requires kafka.brokers and kafka.group_id")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}

	switch c.Storage {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}

	for name, step := range map[string]Step{"payment": c.Steps.Payment, "barista": c.Steps.Barista, "delivery": c.Steps.Delivery} {
		if step.BaseURL == "" {
			return fmt.Errorf("steps.%s.base_url is required", name)
		}
	}

	return nil
}

// GetDatabaseURL constructs database URL from config
func (c *Config) GetDatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}
