package resolver

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/pmkol/hostcache/pkg/hostcache"
	"github.com/pmkol/hostcache/pkg/utils"
)

// Hosts is a parsed hosts file. It is immutable once built.
type Hosts struct {
	m map[string][]netip.Addr
}

// ParseHosts reads the hosts file format: an address followed by names,
// '#' starts a comment. Bad lines are skipped.
func ParseHosts(r io.Reader) (*Hosts, error) {
	h := &Hosts{m: make(map[string][]netip.Addr)}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		addr, err := netip.ParseAddr(fields[0])
		if err != nil {
			continue
		}
		addr = addr.WithZone("").Unmap()
		for _, name := range fields[1:] {
			name = utils.NormalizeHostname(name)
			h.m[name] = append(h.m[name], addr)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return h, nil
}

// LoadHostsFile parses the hosts file at path.
func LoadHostsFile(path string) (*Hosts, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseHosts(f)
}

func (h *Hosts) Len() int {
	if h == nil {
		return 0
	}
	return len(h.m)
}

// lookup returns the addresses of name that match t. Names under
// "localhost" always resolve to loopback unless the hosts file says
// otherwise.
func (h *Hosts) lookup(name string, t hostcache.DnsQueryType) []netip.Addr {
	var addrs []netip.Addr
	if h != nil {
		addrs = h.m[name]
	}
	if len(addrs) == 0 && isLocalhost(name) {
		addrs = []netip.Addr{netip.IPv6Loopback(), netip.MustParseAddr("127.0.0.1")}
	}
	return filterFamily(addrs, t)
}

func isLocalhost(name string) bool {
	return name == "localhost" || strings.HasSuffix(name, ".localhost")
}

func filterFamily(addrs []netip.Addr, t hostcache.DnsQueryType) []netip.Addr {
	if t == hostcache.DnsQueryTypeUnspecified {
		return addrs
	}
	var out []netip.Addr
	for _, a := range addrs {
		if a.Is4() == (t == hostcache.DnsQueryTypeA) {
			out = append(out, a)
		}
	}
	return out
}
