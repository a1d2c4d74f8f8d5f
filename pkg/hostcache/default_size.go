//go:build !no_builtin_dns

package hostcache

// The built-in DNS client resolves far more names than the system resolver
// path, so it gets a bigger cache.
const defaultMaxEntries = 1000
