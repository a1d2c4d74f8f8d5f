// Package neterr defines the result codes stored in host cache entries.
// Codes are negative, OK is zero.
package neterr

import "strconv"

type Code int

const (
	OK Code = 0

	ErrNameNotResolved      Code = -105
	ErrAddressUnreachable   Code = -109
	ErrDNSMalformedResponse Code = -800
	ErrDNSServerRequiresTCP Code = -801
	ErrDNSServerFailed      Code = -802
	ErrDNSTimedOut          Code = -803
	ErrDNSCacheMiss         Code = -804
)

var names = map[Code]string{
	OK:                      "OK",
	ErrNameNotResolved:      "ERR_NAME_NOT_RESOLVED",
	ErrAddressUnreachable:   "ERR_ADDRESS_UNREACHABLE",
	ErrDNSMalformedResponse: "ERR_DNS_MALFORMED_RESPONSE",
	ErrDNSServerRequiresTCP: "ERR_DNS_SERVER_REQUIRES_TCP",
	ErrDNSServerFailed:      "ERR_DNS_SERVER_FAILED",
	ErrDNSTimedOut:          "ERR_DNS_TIMED_OUT",
	ErrDNSCacheMiss:         "ERR_DNS_CACHE_MISS",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "ERR_" + strconv.Itoa(int(c))
}

// Error lets a non-OK Code be returned as an error.
func (c Code) Error() string {
	return c.String()
}

func (c Code) IsOK() bool {
	return c == OK
}
