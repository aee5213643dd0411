// Package catalog caches the provider's model catalog and memoizes which
// models accept a system-role message.
//
// The catalog is fetched on demand and reused for a TTL (24h by default).
// A failed refresh keeps serving the previous catalog, or an empty one when
// nothing was ever fetched. System prompt support is discovered by a tiny
// live check, run at most once per model id for the life of the process
// unless a capability TTL is configured.
package catalog
