package bundled_upstream

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	addr  string
	delay time.Duration
	rcode int
	ans   bool
	err   error
}

func (u *fakeUpstream) Address() string { return u.addr }

func (u *fakeUpstream) Exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	select {
	case <-time.After(u.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if u.err != nil {
		return nil, u.err
	}
	r := new(dns.Msg)
	r.SetRcode(q, u.rcode)
	if u.ans {
		r.Answer = append(r.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.IPv4(1, 2, 3, 4),
		})
	}
	return r, nil
}

func query() *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	return q
}

func TestExchangeParallel(t *testing.T) {
	ctx := context.Background()

	_, err := ExchangeParallel(ctx, query(), nil, nil)
	assert.ErrorIs(t, err, ErrAllFailed)

	// An answer beats a faster NXDOMAIN.
	r, err := ExchangeParallel(ctx, query(), []Upstream{
		&fakeUpstream{addr: "nx", rcode: dns.RcodeNameError},
		&fakeUpstream{addr: "ok", delay: 20 * time.Millisecond, ans: true},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeSuccess, r.Rcode)
	assert.Len(t, r.Answer, 1)

	// Without answers the first response is kept.
	r, err = ExchangeParallel(ctx, query(), []Upstream{
		&fakeUpstream{addr: "nx", rcode: dns.RcodeNameError},
		&fakeUpstream{addr: "fail", err: errors.New("refused")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeNameError, r.Rcode)

	_, err = ExchangeParallel(ctx, query(), []Upstream{
		&fakeUpstream{addr: "a", err: errors.New("e1")},
		&fakeUpstream{addr: "b", err: errors.New("e2")},
	}, nil)
	assert.ErrorIs(t, err, ErrAllFailed)
	assert.Contains(t, err.Error(), "e2")
}

func TestNewClientUpstream(t *testing.T) {
	tests := []struct {
		in      string
		addr    string
		tcpOnly bool
		wantErr bool
	}{
		{in: "8.8.8.8", addr: "8.8.8.8:53"},
		{in: "udp://1.1.1.1:5353", addr: "1.1.1.1:5353"},
		{in: "tcp://[2001:db8::1]:53", addr: "[2001:db8::1]:53", tcpOnly: true},
		{in: "2001:db8::1", addr: "[2001:db8::1]:53"},
		{in: "https://dns.google", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			u, err := NewClientUpstream(tt.in, 0)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, u.Address())
			assert.Equal(t, tt.tcpOnly, u.udp == nil)
			assert.Equal(t, defaultClientTimeout, u.tcp.Timeout)
		})
	}
}
