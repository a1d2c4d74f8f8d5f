package utils

import (
	"strings"
	"time"
)

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// SetDefaultNum sets *p to d if *p is zero.
func SetDefaultNum[T number](p *T, d T) {
	if *p == 0 {
		*p = d
	}
}

// SetDefaultString sets *p to d if *p is empty.
func SetDefaultString(p *string, d string) {
	if len(*p) == 0 {
		*p = d
	}
}

// SecondsToDuration converts a config value in seconds.
func SecondsToDuration[T ~int | ~uint | ~uint32](s T) time.Duration {
	return time.Duration(s) * time.Second
}

// NormalizeHostname lowercases s and strips the trailing dot of a fqdn.
func NormalizeHostname(s string) string {
	return strings.ToLower(strings.TrimSuffix(s, "."))
}
