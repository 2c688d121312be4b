// Package ratelimit implements the per-origin submission ledger.
//
// MemoryLedger keeps one token bucket per origin in process memory.
// RedisLedger shares the ledger through Redis and falls back to a
// MemoryLedger while Redis is unavailable.
package ratelimit
