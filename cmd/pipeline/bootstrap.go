package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/earn12345678/data-engineering-project/internal/config"
	"github.com/earn12345678/data-engineering-project/internal/consume"
	"github.com/earn12345678/data-engineering-project/internal/cursor"
	"github.com/earn12345678/data-engineering-project/internal/failure"
	"github.com/earn12345678/data-engineering-project/internal/metrics"
	"github.com/earn12345678/data-engineering-project/internal/pipeline"
	"github.com/earn12345678/data-engineering-project/internal/publish"
	"github.com/earn12345678/data-engineering-project/internal/record"
	"github.com/earn12345678/data-engineering-project/internal/retry"
	"github.com/earn12345678/data-engineering-project/internal/sink"
	"github.com/earn12345678/data-engineering-project/internal/source"
	"github.com/earn12345678/data-engineering-project/internal/topic"
	"github.com/earn12345678/data-engineering-project/internal/transform"
)

// components holds everything a command needs. Only the parts a command asked
// for are opened.
type components struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	retrier  *retry.Retrier
	store    cursor.Store
	pipeline *pipeline.Pipeline

	memoryLog *topic.MemoryLog
	closers   []func() error
}

// Close releases every opened resource in reverse order.
func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newComponents(cfg *config.Config, logger *zap.Logger) *components {
	r := cfg.Retry
	return &components{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector(),
		retrier: retry.New(retry.Policy{
			MaxAttempts:    r.MaxAttempts,
			InitialDelay:   r.InitialDelay.Std(),
			MaxDelay:       r.MaxDelay.Std(),
			BackoffFactor:  r.BackoffFactor,
			JitterFactor:   r.JitterFactor,
			AttemptTimeout: r.AttemptTimeout.Std(),
		}, logger.Named("retry")),
	}
}

// build opens the cursor store and, as requested, the ingest and load sides.
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, ingest, load bool) (*components, error) {
	c := newComponents(cfg, logger)

	store, err := openCursorStore(ctx, cfg, logger.Named("cursor"))
	if err != nil {
		return c, err
	}
	c.store = store
	c.closers = append(c.closers, store.Close)

	if !ingest && !load {
		return c, nil
	}

	codec, err := topic.NewCodec(cfg.Log.Compression)
	if err != nil {
		return c, failure.Fatal("bootstrap.codec", err)
	}
	c.closers = append(c.closers, func() error { codec.Close(); return nil })

	if cfg.Log.Backend == "memory" {
		c.memoryLog = topic.NewMemoryLog()
	}

	var (
		ingester *pipeline.Ingester
		loader   *pipeline.Loader
	)
	if ingest {
		if ingester, err = c.buildIngester(codec); err != nil {
			return c, err
		}
	}
	if load {
		if loader, err = c.buildLoader(ctx, codec); err != nil {
			return c, err
		}
	}
	c.pipeline = pipeline.New(ingester, loader)
	return c, nil
}

func (c *components) buildIngester(codec *topic.Codec) (*pipeline.Ingester, error) {
	cfg := c.cfg

	initial, err := cfg.InitialTimestamp()
	if err != nil {
		return nil, failure.Fatal("bootstrap.source", err)
	}

	var open publish.ProducerFactory
	if c.memoryLog != nil {
		mem := c.memoryLog
		open = func(ctx context.Context) (topic.Producer, error) { return mem.Producer(), nil }
	} else {
		amqpCfg, logger := c.amqpConfig(), c.logger.Named("topic")
		open = func(ctx context.Context) (topic.Producer, error) {
			p, err := topic.DialProducer(amqpCfg, logger)
			if err != nil {
				return nil, err
			}
			return p, nil
		}
	}

	fetcher := source.NewFetcher(source.Config{
		BaseURL:           cfg.Source.BaseURL,
		Dataset:           cfg.Source.Dataset,
		AppToken:          cfg.Source.AppToken,
		TimestampField:    cfg.Source.TimestampField,
		IDField:           cfg.Source.IDField,
		PageSize:          cfg.Source.PageSize,
		MaxPages:          cfg.Source.MaxPages,
		RequestTimeout:    cfg.Source.RequestTimeout.Std(),
		RequestsPerSecond: cfg.Source.RequestsPerSecond,
	}, c.retrier, c.logger.Named("source"))

	pub := publish.New(open, codec, c.store, c.retrier, c.metrics, c.logger.Named("publish"))
	return pipeline.NewIngester(fetcher, c.store, pub, pipeline.IngestConfig{
		PublishBatchSize: cfg.Log.PublishBatchSize,
		InitialTimestamp: initial,
		CursorTimeout:    cfg.Cursor.Timeout.Std(),
	}, c.metrics, c.logger.Named("ingest")), nil
}

func (c *components) buildLoader(ctx context.Context, codec *topic.Codec) (*pipeline.Loader, error) {
	cfg := c.cfg

	w, err := openSink(ctx, cfg, c.logger.Named("sink"))
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, w.Close)

	var open pipeline.ConsumerFactory
	if c.memoryLog != nil {
		mem := c.memoryLog
		open = func(ctx context.Context) (topic.Consumer, error) { return mem.Consumer(), nil }
	} else {
		amqpCfg := c.amqpConfig()
		amqpCfg.Prefetch = cfg.Consumer.BatchSize
		open = func(ctx context.Context) (topic.Consumer, error) {
			consumer, err := topic.DialConsumer(amqpCfg)
			if err != nil {
				return nil, err
			}
			return consumer, nil
		}
	}

	f := cfg.Transform.Fields
	tr := transform.New(transform.Fields{
		ID:          f.ID,
		Date:        f.Date,
		UpdatedAt:   f.UpdatedAt,
		Category:    f.Category,
		Description: f.Description,
		Location:    f.Location,
		Latitude:    f.Latitude,
		Longitude:   f.Longitude,
	}, cfg.Transform.MaxTextLength)

	return pipeline.NewLoader(open, codec, tr, w, c.retrier, pipeline.LoadConfig{
		Batch: consume.Config{
			BatchSize:    cfg.Consumer.BatchSize,
			BatchTimeout: cfg.Consumer.BatchTimeout.Std(),
		},
		CommitTimeout: cfg.Consumer.CommitTimeout.Std(),
		MaxBatches:    cfg.Consumer.MaxBatches,
	}, c.metrics, c.logger.Named("load")), nil
}

func (c *components) amqpConfig() topic.AMQPConfig {
	return topic.AMQPConfig{
		URL:            c.cfg.Log.URL,
		Queue:          c.cfg.Log.Queue,
		ConfirmTimeout: c.cfg.Log.ConfirmTimeout.Std(),
		ConsumerTag:    c.cfg.Service.Name,
	}
}

func openCursorStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cursor.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Cursor.Timeout.Std())
	defer cancel()

	switch cfg.Cursor.Backend {
	case "file":
		return cursor.NewFileStore(cursor.FileConfig{
			Dir:      cfg.Cursor.File.Dir,
			Filename: cfg.Cursor.File.Filename,
		}, logger)
	case "postgres":
		s, err := cursor.OpenPostgres(ctx, cfg.Cursor.Postgres.ConnectionString(), cfg.Cursor.Table)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureTable(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case "object":
		o := cfg.Cursor.ObjectStore
		return cursor.NewObjectStore(ctx, cursor.ObjectConfig{
			Endpoint:  o.Endpoint,
			AccessKey: o.AccessKey,
			SecretKey: o.SecretKey,
			Bucket:    o.Bucket,
			Key:       o.Key,
			UseSSL:    o.UseSSL,
		})
	case "memory":
		logger.Warn("cursor is kept in memory and is lost on exit")
		return cursor.NewMemoryStore(record.Cursor{}), nil
	default:
		return nil, failure.Fatalf("bootstrap.cursor", "unknown cursor backend %q", cfg.Cursor.Backend)
	}
}

// openSink opens the configured writer, creates its tables when asked, and
// verifies the schema. A schema mismatch is fatal.
func openSink(ctx context.Context, cfg *config.Config, logger *zap.Logger) (sink.Writer, error) {
	tables := sink.Tables{Records: cfg.Sink.Table, RejectTable: cfg.Sink.RejectTable}

	type schemaCreator interface {
		sink.Writer
		EnsureSchema(ctx context.Context) error
	}

	var w schemaCreator
	switch cfg.Sink.Backend {
	case "postgres":
		pw, err := sink.OpenPostgres(ctx, cfg.Sink.Postgres.ConnectionString(), cfg.Sink.MaxConns, tables, logger)
		if err != nil {
			return nil, err
		}
		w = pw
	case "duckdb":
		dw, err := sink.OpenDuckDB(cfg.Sink.DuckDBPath, tables, logger)
		if err != nil {
			return nil, err
		}
		w = dw
	default:
		return nil, failure.Fatalf("bootstrap.sink", "unknown sink backend %q", cfg.Sink.Backend)
	}

	if cfg.Sink.CreateTable {
		if err := w.EnsureSchema(ctx); err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to create sink tables: %w", err)
		}
	}
	if err := w.VerifySchema(ctx); err != nil {
		w.Close()
		return nil, err
	}
	logger.Info("sink ready",
		zap.String("backend", cfg.Sink.Backend),
		zap.String("table", cfg.Sink.Table))
	return w, nil
}
