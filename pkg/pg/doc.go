// Package pg provides connection helpers for the Postgres-backed queue.
//
// It wraps pgxpool with a retrying Connect driven by an env-populated Config
// and a Healthcheck closure for liveness probes. Schema management for the
// queue itself lives with the queue package (queue.Migrate), which applies
// its embedded goose migrations.
//
// # Usage
//
//	var cfg pg.Config
//	config.MustLoad(&cfg)
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//	    // terminate: the queue cannot operate without its store
//	}
//	defer pool.Close()
//
//	if err := queue.Migrate(ctx, pool); err != nil { ... }
//	q, err := queue.NewPostgresJobQueue(pool)
package pg
