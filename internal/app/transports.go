package app

import (
	"context"
	"fmt"
	"math"

	"llm_flow/internal/config"
	"llm_flow/internal/logging"
	"llm_flow/internal/models"
	"llm_flow/internal/storage"
)

// buildTransports creates the transports named in transports.enabled, in order.
func (a *App) buildTransports(ctx context.Context) ([]logging.Transport, error) {
	var out []logging.Transport
	for _, name := range a.Config.Transports.Enabled {
		t, err := a.buildTransport(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("transport %s: %w", name, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (a *App) buildTransport(ctx context.Context, name string) (logging.Transport, error) {
	cfg := a.Config
	dataDir := cfg.Transports.DataDir

	switch name {
	case config.TransportConsole:
		return logging.NewConsole(nil), nil

	case config.TransportJSONL:
		return logging.NewJSONLFile(dataDir), nil

	case config.TransportJSON:
		return logging.NewJSONArrayFile(dataDir), nil

	case config.TransportRotatingFile:
		rf, err := logging.NewRotatingFile(logging.RotatingFileConfig{
			FileTemplate:  cfg.RotatingFile.FileTemplate,
			MaxSize:       cfg.RotatingFile.MaxSize,
			MaxFiles:      cfg.RotatingFile.MaxFiles,
			BufferSize:    cfg.RotatingFile.BufferSize,
			FlushInterval: cfg.RotatingFile.FlushInterval,
		})
		if err != nil {
			return nil, err
		}
		a.onStop(func(context.Context) error {
			rf.Shutdown()
			return nil
		})
		return rf, nil

	case config.TransportRedisList:
		return logging.NewRedisList(a.Redis, logging.RedisListConfig{
			Key:     cfg.Redis.ListKey,
			MaxSize: cfg.Redis.ListMaxSize,
		}), nil

	case config.TransportNATS:
		conn, err := logging.DialNATS(cfg.NATS.URL)
		if err != nil {
			return nil, err
		}
		a.onStop(func(context.Context) error {
			if err := conn.Drain(); err != nil {
				conn.Close()
			}
			return nil
		})
		return logging.NewNATS(conn, cfg.NATS.Subject), nil

	case config.TransportS3:
		writer, err := logging.NewS3Writer(ctx, logging.S3Config{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Prefix:       cfg.S3.Prefix,
			PodName:      cfg.S3.PodName,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return a.startBatch(ctx, name, writer)

	case config.TransportGCS:
		writer, err := logging.NewGCSWriter(ctx, cfg.GCS.Bucket, cfg.GCS.Prefix)
		if err != nil {
			return nil, err
		}
		a.onStop(func(context.Context) error { return writer.Close() })
		return a.startBatch(ctx, name, writer)

	case config.TransportFirestore:
		store, err := logging.NewFirestoreStore(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, err
		}
		a.onStop(func(context.Context) error { return store.Close() })
		return logging.NewDocument(store, cfg.Firestore.Collection), nil

	case config.TransportSQL:
		return a.sqlTransport(ctx)

	case config.TransportAnalytics:
		return a.analyticsTransport(), nil
	}

	return nil, fmt.Errorf("unknown transport %q", name)
}

func (a *App) startBatch(ctx context.Context, name string, writer logging.BatchWriter) (logging.Transport, error) {
	qcfg := a.queueConfig(name)
	q, dlq, err := newQueues[*models.LogEntry](a.Redis, qcfg)
	if err != nil {
		return nil, err
	}
	batch := logging.NewBatch(name, q, dlq, writer, qcfg)
	batch.Start(ctx)
	a.onStop(batch.Stop)
	return batch, nil
}

// sqlTransport writes rows directly, or through the entry queue worker when
// database.async is set.
func (a *App) sqlTransport(ctx context.Context) (logging.Transport, error) {
	if !a.Config.Database.Async {
		return logging.NewSQL(a.Entries.Upsert), nil
	}

	qcfg := a.queueConfig("log-entries")
	q, dlq, err := newQueues[*models.LogEntryRecord](a.Redis, qcfg)
	if err != nil {
		return nil, err
	}
	worker := storage.NewEntryQueueWorker(q, dlq, a.Entries, qcfg)
	worker.Start(ctx)
	a.onStop(func(context.Context) error { return worker.Stop() })
	return logging.NewSQL(worker.Enqueue), nil
}

func (a *App) analyticsTransport() logging.Transport {
	cfg := a.Config.Analytics

	var sessions logging.SessionStore
	var limiter logging.Limiter
	if a.Redis != nil {
		sessions = logging.NewRedisSessionStore(a.Redis, "", cfg.SessionTimeout)
	} else {
		sessions = logging.NewMemorySessionStore(cfg.SessionTimeout)
	}
	if cfg.SharedLimit && a.Redis != nil {
		perSecond := int(math.Max(1, math.Ceil(cfg.RatePerSecond)))
		limiter = logging.NewRedisLimiter(a.Redis, "llm_flow:analytics:rate", perSecond, cfg.Burst)
	} else {
		limiter = logging.NewLocalLimiter(cfg.RatePerSecond, cfg.Burst)
	}

	return logging.NewAnalytics(logging.AnalyticsConfig{
		MeasurementID: cfg.MeasurementID,
		APISecret:     cfg.APISecret,
		Debug:         cfg.Debug,
	}, sessions, limiter)
}
