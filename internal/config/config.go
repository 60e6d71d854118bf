// Package config defines the deduplicator's process configuration:
// grouped structs parsed from flags or environment variables by
// jessevdk/go-flags, following the teacher's own
// examples/word-count/wordcountctl/main.go pattern of a package-level
// Config value with `group`/`env-namespace` struct tags rather than a
// hand-rolled flag.FlagSet.
package config

import "time"

// KafkaConfig configures the consumer's connection to the broker.
type KafkaConfig struct {
	Brokers       []string `long:"brokers" description:"Comma-separated list of Kafka bootstrap brokers" env:"BROKERS" env-delim:"," required:"true"`
	ConsumerGroup string   `long:"consumer-group" description:"Kafka consumer group id" env:"CONSUMER_GROUP" required:"true"`
	Topics        []string `long:"topics" description:"Topics to consume" env:"TOPICS" env-delim:"," required:"true"`
}

// StoreConfig configures the embedded per-partition kv store.
type StoreConfig struct {
	BaseDir    string `long:"base-dir" description:"Base directory under which each partition's RocksDB store is opened" env:"BASE_DIR" default:"/var/lib/deduplicator"`
	QueueDepth int    `long:"worker-queue-depth" description:"Bounded channel depth per partition worker; a full channel pauses fetching for that partition until it drains" env:"WORKER_QUEUE_DEPTH" default:"256"`
}

// CheckpointConfig configures checkpoint export, upload, and restore.
type CheckpointConfig struct {
	Bucket               string        `long:"bucket" description:"S3 bucket checkpoints are uploaded to and restored from" env:"BUCKET" required:"true"`
	MaxConcurrentUploads int           `long:"max-concurrent-uploads" description:"Maximum number of blobs uploaded in parallel per checkpoint" env:"MAX_CONCURRENT_UPLOADS" default:"8"`
	FenceDrainTimeout    time.Duration `long:"fence-drain-timeout" description:"How long a revoke waits for in-flight offsets to complete before forcing a partial checkpoint" env:"FENCE_DRAIN_TIMEOUT" default:"30s"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Address string `long:"address" description:"Address the Prometheus metrics endpoint listens on" env:"ADDRESS" default:":9090"`
	Path    string `long:"path" description:"HTTP path the Prometheus metrics endpoint is served at" env:"PATH" default:"/metrics"`
}

// LogConfig configures logrus output.
type LogConfig struct {
	Level string `long:"level" description:"Logging level (debug|info|warn|error)" env:"LEVEL" default:"info"`
}

// Config is the deduplicator process's full configuration tree.
type Config struct {
	Kafka      KafkaConfig      `group:"Kafka" namespace:"kafka" env-namespace:"KAFKA"`
	Store      StoreConfig      `group:"Store" namespace:"store" env-namespace:"STORE"`
	Checkpoint CheckpointConfig `group:"Checkpoint" namespace:"checkpoint" env-namespace:"CHECKPOINT"`
	Metrics    MetricsConfig    `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`
	Log        LogConfig        `group:"Logging" namespace:"log" env-namespace:"LOG"`
}
