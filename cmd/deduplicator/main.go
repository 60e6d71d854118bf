// Command deduplicator is the composition root: it parses Config,
// wires the kv/dedup/tracker/rebalance/checkpoint packages into a
// running consumer, and serves Prometheus metrics, following the
// teacher's own examples/word-count/wordcountctl/main.go shape of a
// flags.NewParser over a package Config plus a plain func main that
// wires dependencies and blocks until signaled.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/PostHog/posthog-sub013/internal/checkpoint/blobstore"
	"github.com/PostHog/posthog-sub013/internal/checkpoint/restore"
	"github.com/PostHog/posthog-sub013/internal/checkpoint/upload"
	"github.com/PostHog/posthog-sub013/internal/config"
	"github.com/PostHog/posthog-sub013/internal/metrics"
	"github.com/PostHog/posthog-sub013/internal/partition"
	"github.com/PostHog/posthog-sub013/internal/pipeline"
	"github.com/PostHog/posthog-sub013/internal/pipeline/clickhouse"
	"github.com/PostHog/posthog-sub013/internal/pipeline/ingestion"
	"github.com/PostHog/posthog-sub013/internal/rebalance"
	"github.com/PostHog/posthog-sub013/internal/task"
	"github.com/PostHog/posthog-sub013/internal/tracker"
)

var Config = new(config.Config)

func pipelineFor(topic string) (pipeline.Pipeline, error) {
	switch topic {
	case "ingestion_events":
		return ingestion.New(), nil
	case "clickhouse_events_json":
		return clickhouse.New(), nil
	default:
		return pipeline.Pipeline{}, errors.Errorf("no dedup pipeline configured for topic %q", topic)
	}
}

func setLogLevel(level string) {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.WithError(err).WithField("level", level).Warn("invalid log level; defaulting to info")
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
	setLogLevel(Config.Log.Level)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var reg = metrics.New()
	go serveMetrics(Config.Metrics.Address, Config.Metrics.Path, reg)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.WithError(err).Fatal("failed to load AWS config")
	}
	var s3Client = s3.NewFromConfig(awsCfg)
	var store = blobstore.NewS3(s3Client, Config.Checkpoint.Bucket)
	var uploader = upload.New(store, Config.Checkpoint.MaxConcurrentUploads)
	var checkpointClient = restore.NewClient(store)

	var tr = tracker.New()

	// client and admClient are forward-declared so the commit and
	// pause/resume closures below can capture them by reference: the
	// real values only exist once kgo.NewClient returns, further down,
	// but those closures are wired into the Manager before that point.
	var client *kgo.Client
	var admClient *kadm.Client

	var commit = func(p tracker.PartitionKey, offset int64) {
		var rec = kgo.Record{Topic: p.Topic, Partition: p.Partition, Offset: offset}
		resp, err := admClient.CommitOffsets(ctx, Config.Kafka.ConsumerGroup, kadm.OffsetsFromRecords(rec))
		if err != nil {
			log.WithError(err).WithField("partition", p).WithField("offset", offset).Warn("failed to commit offset")
			return
		}
		if err := resp.Error(); err != nil {
			log.WithError(err).WithField("partition", p).WithField("offset", offset).Warn("broker rejected offset commit")
		}
	}

	var pause = func(p tracker.PartitionKey) {
		client.PauseFetchPartitions(map[string][]int32{p.Topic: {p.Partition}})
	}
	var resume = func(p tracker.PartitionKey) {
		client.ResumeFetchPartitions(map[string][]int32{p.Topic: {p.Partition}})
	}

	var mgr = partition.NewManager(Config.Store.BaseDir, pipelineFor, tr, commit, reg, Config.Store.QueueDepth, pause, resume)

	var checkpointUploader = partition.NewCheckpointUploader(mgr, uploader,
		func(p tracker.PartitionKey) string { return checkpointKeyPrefix(p) },
		func(p tracker.PartitionKey) string { return mgr.LocalDir(p) + ".snapshot" },
	)
	var restorer = restore.NewRestorer(checkpointClient, mgr.LocalDir)

	var coordinator = rebalance.New(tr, mgr, mgr, restorer, checkpointUploader, Config.Checkpoint.FenceDrainTimeout)

	client, err = kgo.NewClient(
		kgo.SeedBrokers(Config.Kafka.Brokers...),
		kgo.ConsumerGroup(Config.Kafka.ConsumerGroup),
		kgo.ConsumeTopics(Config.Kafka.Topics...),
		kgo.DisableAutoCommit(),
		kgo.WithHooks(reg.KafkaHooks),
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, m map[string][]int32) {
			coordinator.OnPartitionsAssigned(ctx, m)
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, _ *kgo.Client, m map[string][]int32) {
			coordinator.OnPartitionsRevoked(ctx, m)
		}),
		kgo.OnPartitionsLost(func(ctx context.Context, _ *kgo.Client, m map[string][]int32) {
			coordinator.OnPartitionsLost(ctx, m)
		}),
	)
	if err != nil {
		log.WithError(err).Fatal("failed to construct Kafka client")
	}
	defer client.Close()
	admClient = kadm.NewClient(client)

	var tasks = task.NewGroup(ctx)
	tasks.Queue("poll-loop", func() error { return pollLoop(tasks.Context(), client, mgr) })

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	if err := tasks.Wait(); err != nil && errors.Cause(err) != context.Canceled {
		log.WithError(err).Fatal("deduplicator exited with error")
	}
}

// pollLoop polls the broker and dispatches each record to its
// partition's Worker in broker offset order (spec §5). Dispatch is
// the backpressure point: a full partition inbox pauses that
// partition's fetches at the broker, and Dispatch then blocks this
// loop until the worker has room, so records for other partitions
// also wait meanwhile.
func pollLoop(ctx context.Context, client *kgo.Client, mgr *partition.Manager) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var fetches = client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				log.WithError(e.Err).WithField("topic", e.Topic).WithField("partition", e.Partition).
					Error("fetch error")
			}
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			var key = tracker.PartitionKey{Topic: rec.Topic, Partition: rec.Partition}
			var msg = partition.Message{Offset: rec.Offset, Value: rec.Value}
			if err := mgr.Dispatch(ctx, key, msg); err != nil {
				log.WithError(err).WithField("partition", key).WithField("offset", rec.Offset).
					Warn("failed to dispatch record")
			}
		})
	}
}

func checkpointKeyPrefix(p tracker.PartitionKey) string {
	return p.Topic + "/" + strconv.Itoa(int(p.Partition))
}

func serveMetrics(addr, path string, reg *metrics.Registry) {
	var mux = http.NewServeMux()
	mux.Handle(path, reg.Handler())
	var server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("metrics server exited")
	}
}
