// Package redisstream provides a Redis Streams transport for xqueue.
//
// Transport name: "redis-streams"
//
// Each channel is a stream read through a consumer group, so every queue
// process sharing a group receives a given envelope once, and entries a
// crashed consumer left unacknowledged are claimed by the others.
//
// Config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - group: consumer group name (default "xqueue")
// - consumer: consumer name (default "xqueue-<host>-<pid>")
// - concurrency: workers per channel (default 8)
// - batch_size: XREADGROUP COUNT (default 128)
// - block: XREADGROUP BLOCK duration (default 5s)
// - start_id: where a new group starts, "$" or "0" (default "$")
// - auto_delete_on_ack: XDEL after XACK (default false)
// - max_len_approx: approximate MAXLEN trimming on XADD (default off)
// - claim_min_idle, claim_batch, claim_interval: pending entry recovery
//
// Example builder usage:
//
//	q, _ := xqueue.NewQueueBuilder().
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":        "localhost:6379",
//	        "group":       "payments",
//	        "consumer":    "service-a",
//	        "concurrency": 16,
//	        "block":       "2s",
//	    }).
//	    WithStore("redis", map[string]any{"addr": "localhost:6379"}).
//	    Build()
package redisstream
