// Command indexer runs the campaign indexer: the HTTP intake API, the
// indexing worker pool and the recovery sweeper, selected by the roles
// configuration key.
//
// Usage:
//
//	indexer -config config.yaml
//
// Every key can be overridden with an INDEXER_ environment variable, for
// example INDEXER_QUEUE_BACKEND=redis or INDEXER_REDIS_ADDR=localhost:6379.
package main
