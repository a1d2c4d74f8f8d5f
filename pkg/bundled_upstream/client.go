package bundled_upstream

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ErrTruncated is returned when a response is still truncated over TCP, or
// when the upstream is udp only and the response was truncated.
var ErrTruncated = errors.New("truncated response")

const defaultClientTimeout = 5 * time.Second

// ClientUpstream is a plain DNS server reached over udp. A truncated udp
// response is retried over tcp.
type ClientUpstream struct {
	addr string
	udp  *dns.Client
	tcp  *dns.Client
}

// NewClientUpstream parses addr as "host[:port]", "udp://host[:port]" or
// "tcp://host[:port]". A tcp:// upstream never uses udp.
func NewClientUpstream(addr string, timeout time.Duration) (*ClientUpstream, error) {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	tcpOnly := false
	switch {
	case strings.HasPrefix(addr, "tcp://"):
		tcpOnly = true
		addr = strings.TrimPrefix(addr, "tcp://")
	case strings.HasPrefix(addr, "udp://"):
		addr = strings.TrimPrefix(addr, "udp://")
	case strings.Contains(addr, "://"):
		return nil, errors.New("unsupported upstream scheme: " + addr)
	}
	if len(addr) == 0 {
		return nil, errors.New("empty upstream address")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(strings.Trim(addr, "[]"), "53")
	}

	u := &ClientUpstream{
		addr: addr,
		tcp:  &dns.Client{Net: "tcp", Timeout: timeout},
	}
	if !tcpOnly {
		u.udp = &dns.Client{Net: "udp", Timeout: timeout, UDPSize: dns.DefaultMsgSize}
	}
	return u, nil
}

func (u *ClientUpstream) Address() string { return u.addr }

func (u *ClientUpstream) Exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	if u.udp != nil {
		r, _, err := u.udp.ExchangeContext(ctx, q, u.addr)
		if err != nil {
			return nil, err
		}
		if !r.Truncated {
			return r, nil
		}
	}
	r, _, err := u.tcp.ExchangeContext(ctx, q, u.addr)
	if err != nil {
		return nil, err
	}
	if r.Truncated {
		return nil, ErrTruncated
	}
	return r, nil
}
