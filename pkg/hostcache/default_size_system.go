//go:build no_builtin_dns

package hostcache

const defaultMaxEntries = 100
