package resolver

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/hostcache/pkg/hostcache"
)

const testHosts = `
# static entries
127.0.0.1   localhost
::1         localhost ip6-localhost
192.0.2.10  Router.LAN router   # gateway
2001:db8::10 router.lan
fe80::1%eth0 linklocal
not-an-ip   ignored
192.0.2.11
`

func TestParseHosts(t *testing.T) {
	h, err := ParseHosts(strings.NewReader(testHosts))
	require.NoError(t, err)

	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("192.0.2.10"),
		netip.MustParseAddr("2001:db8::10"),
	}, h.lookup("router.lan", hostcache.DnsQueryTypeUnspecified))
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("2001:db8::10")}, h.lookup("router.lan", hostcache.DnsQueryTypeAAAA))
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.10")}, h.lookup("router", hostcache.DnsQueryTypeA))
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("fe80::1")}, h.lookup("linklocal", hostcache.DnsQueryTypeUnspecified))
	assert.Empty(t, h.lookup("ignored", hostcache.DnsQueryTypeUnspecified))
	assert.Empty(t, h.lookup("gateway", hostcache.DnsQueryTypeUnspecified))

	// File entries win over the built-in loopback answer.
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("127.0.0.1"), netip.MustParseAddr("::1")}, h.lookup("localhost", hostcache.DnsQueryTypeUnspecified))
}

func TestHosts_localhost(t *testing.T) {
	var h *Hosts
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, []netip.Addr{netip.IPv6Loopback()}, h.lookup("foo.localhost", hostcache.DnsQueryTypeAAAA))
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("127.0.0.1")}, h.lookup("localhost", hostcache.DnsQueryTypeA))
	assert.Empty(t, h.lookup("localhost.example", hostcache.DnsQueryTypeA))
}

func TestLoadHostsFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(p, []byte(testHosts), 0o644))
	h, err := LoadHostsFile(p)
	require.NoError(t, err)
	assert.Equal(t, 5, h.Len())

	_, err = LoadHostsFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
