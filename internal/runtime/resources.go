// Package runtime wires configuration into the components of a research run.
package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/mohammad-safakhou/researcher/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Resources are the process-wide dependencies shared by every run.
type Resources struct {
	Log     zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	// Redis and Store are nil when not configured.
	Redis *redis.Client
	Store *store.Store

	tele    *telemetry.Telemetry
	closers []func()
}

// Open connects to the configured backends. Partial failures close what was opened.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger, version string) (*Resources, error) {
	r := &Resources{Log: log, Metrics: telemetry.NewMetrics()}

	var traceOut io.Writer
	if cfg.Telemetry.Tracing {
		traceOut = os.Stderr
		if cfg.Telemetry.TraceFile != "" {
			f, err := os.OpenFile(cfg.Telemetry.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open trace file: %w", err)
			}
			r.closers = append(r.closers, func() { _ = f.Close() })
			traceOut = f
		}
	}
	tele, tracer, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:        cfg.Telemetry.Tracing,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Writer:         traceOut,
	})
	if err != nil {
		r.Close(ctx)
		return nil, err
	}
	r.tele, r.Tracer = tele, tracer

	if rc := cfg.Storage.Redis; rc.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:        rc.Addr(),
			Password:    rc.Password,
			DB:          rc.DB,
			DialTimeout: rc.Timeout,
		})
		pingCtx, cancel := context.WithTimeout(ctx, timeoutOr(rc.Timeout))
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			r.Close(ctx)
			return nil, fmt.Errorf("redis ping %s: %w", rc.Addr(), err)
		}
		r.Redis = client
		r.closers = append(r.closers, func() { _ = client.Close() })
	}

	if pc := cfg.Storage.Postgres; pc.Enabled() {
		dbCtx, cancel := context.WithTimeout(ctx, timeoutOr(pc.Timeout))
		st, err := store.NewWithDSN(dbCtx, pc.DSN())
		cancel()
		if err != nil {
			r.Close(ctx)
			return nil, err
		}
		r.Store = st
		r.closers = append(r.closers, func() { _ = st.Close() })
	}
	return r, nil
}

// Close flushes spans and releases connections in reverse order.
func (r *Resources) Close(ctx context.Context) {
	if r.tele != nil {
		if err := r.tele.Shutdown(ctx); err != nil {
			r.Log.Warn().Err(err).Msg("tracer shutdown")
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}
