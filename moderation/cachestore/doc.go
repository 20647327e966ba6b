// Caching of account summaries (as JSON strings) with a fixed TTL and purging.
//
// Includes an interface and implementations using redis and in-process memory,
// and Typed, a read-through layer that keeps one record type per cache name.
//
// The moderation engine reads account summaries through this cache and purges
// the entry after every state transition it commits.
package cachestore
