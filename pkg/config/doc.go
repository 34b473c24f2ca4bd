// Package config loads env-tagged configuration structs from the process
// environment, reading a .env file once per process when present.
//
// Every config struct in this module (queue.Config, redis.Config, pg.Config)
// is designed to be populated through this package:
//
//	var cfg queue.Config
//	config.MustLoad(&cfg)
package config
