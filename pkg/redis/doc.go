// Package redis provides connection helpers for the Redis-backed queue.
//
// It wraps the go-redis client with a retrying Connect driven by an
// env-populated Config, and a Healthcheck closure for liveness probes.
//
// # Usage
//
//	var cfg redis.Config
//	config.MustLoad(&cfg)
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//	    // terminate: the queue cannot operate without its store
//	}
//	defer client.Close()
//
//	q, err := queue.NewRedisJobQueue(client)
package redis
