package machine

import (
	"fmt"
	"net/netip"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// Range is a CIDR block, an inclusive "from-to" span or a single address.
type Range struct {
	prefix   netip.Prefix
	from, to netip.Addr
}

func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return Range{}, fmt.Errorf("parse range %q: %w", s, err)
		}
		return Range{prefix: p.Masked()}, nil
	}
	if a, b, ok := strings.Cut(s, "-"); ok {
		from, err := netip.ParseAddr(strings.TrimSpace(a))
		if err != nil {
			return Range{}, fmt.Errorf("parse range %q: %w", s, err)
		}
		to, err := netip.ParseAddr(strings.TrimSpace(b))
		if err != nil {
			return Range{}, fmt.Errorf("parse range %q: %w", s, err)
		}
		from, to = from.Unmap(), to.Unmap()
		if from.Is4() != to.Is4() || to.Less(from) {
			return Range{}, fmt.Errorf("parse range %q: bad bounds", s)
		}
		return Range{from: from, to: to}, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return Range{}, fmt.Errorf("parse range %q: %w", s, err)
	}
	a = a.Unmap()
	return Range{from: a, to: a}, nil
}

func (r Range) Contains(a netip.Addr) bool {
	a = a.Unmap()
	if r.prefix.IsValid() {
		return r.prefix.Contains(a)
	}
	if a.Is4() != r.from.Is4() {
		return false
	}
	return r.from.Compare(a) <= 0 && a.Compare(r.to) <= 0
}

func (r Range) String() string {
	if r.prefix.IsValid() {
		return r.prefix.String()
	}
	if r.from == r.to {
		return r.from.String()
	}
	return r.from.String() + "-" + r.to.String()
}

// Ranges is an allow list. An empty list allows every address.
type Ranges []Range

func ParseRanges(specs []string) (Ranges, error) {
	var rs Ranges
	for _, s := range specs {
		if strings.TrimSpace(s) == "" {
			continue
		}
		r, err := ParseRange(s)
		if err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	return rs, nil
}

func (rs Ranges) Contains(a netip.Addr) bool {
	if len(rs) == 0 {
		return true
	}
	for _, r := range rs {
		if r.Contains(a) {
			return true
		}
	}
	return false
}

// AllowsMultiaddr checks the IP component of addr. Addresses without one
// (relays, DNS names) only pass an empty list.
func (rs Ranges) AllowsMultiaddr(addr ma.Multiaddr) bool {
	if len(rs) == 0 {
		return true
	}
	ip, err := manet.ToIP(addr)
	if err != nil {
		return false
	}
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	return rs.Contains(a)
}

// Allows is AllowsMultiaddr for a link address string.
func (rs Ranges) Allows(addr string) bool {
	if len(rs) == 0 {
		return true
	}
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return false
	}
	return rs.AllowsMultiaddr(m)
}

// Filter keeps the addresses rs allows.
func (rs Ranges) Filter(addrs []ma.Multiaddr) []ma.Multiaddr {
	if len(rs) == 0 {
		return addrs
	}
	var out []ma.Multiaddr
	for _, a := range addrs {
		if rs.AllowsMultiaddr(a) {
			out = append(out, a)
		}
	}
	return out
}
