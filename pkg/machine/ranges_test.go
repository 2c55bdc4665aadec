package machine

import (
	"net/netip"
	"testing"

	ma "github.com/multiformats/go-multiaddr"
)

func TestParseRange(t *testing.T) {
	cases := []struct {
		spec string
		in   []string
		out  []string
	}{
		{"10.0.0.0/8", []string{"10.1.2.3", "10.255.255.255"}, []string{"11.0.0.1", "192.168.1.1"}},
		{"192.168.1.10-192.168.1.20", []string{"192.168.1.10", "192.168.1.15", "192.168.1.20"}, []string{"192.168.1.9", "192.168.1.21"}},
		{"127.0.0.1", []string{"127.0.0.1", "::ffff:127.0.0.1"}, []string{"127.0.0.2", "::1"}},
		{"fd00::/8", []string{"fd12::1"}, []string{"10.0.0.1"}},
	}
	for _, c := range cases {
		r, err := ParseRange(c.spec)
		if err != nil {
			t.Fatalf("%s: %v", c.spec, err)
		}
		for _, s := range c.in {
			if !r.Contains(netip.MustParseAddr(s)) {
				t.Errorf("%s should contain %s", c.spec, s)
			}
		}
		for _, s := range c.out {
			if r.Contains(netip.MustParseAddr(s)) {
				t.Errorf("%s should not contain %s", c.spec, s)
			}
		}
	}
}

func TestParseRangeErrors(t *testing.T) {
	for _, s := range []string{"nope", "10.0.0.0/33", "10.0.0.5-10.0.0.1", "10.0.0.1-::1", "1.2.3.4-x"} {
		if _, err := ParseRange(s); err == nil {
			t.Errorf("%q: expected error", s)
		}
	}
}

func TestEmptyRangesAllowAll(t *testing.T) {
	var rs Ranges
	if !rs.Allows("/dns4/example.com/tcp/1") || !rs.Contains(netip.MustParseAddr("8.8.8.8")) {
		t.Fatal("empty ranges must allow everything")
	}
}

func TestRangesMultiaddr(t *testing.T) {
	rs, err := ParseRanges([]string{"10.0.0.0/24", "", "192.168.0.5"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 2 {
		t.Fatalf("got %d ranges", len(rs))
	}
	if !rs.Allows("/ip4/10.0.0.7/tcp/30001") {
		t.Error("10.0.0.7 should pass")
	}
	if rs.Allows("/ip4/10.0.1.7/tcp/30001") {
		t.Error("10.0.1.7 should not pass")
	}
	if rs.Allows("/dns4/example.com/tcp/1") {
		t.Error("addresses without an IP only pass an empty list")
	}
	if rs.Allows("garbage") {
		t.Error("unparseable address passed")
	}

	addrs := []ma.Multiaddr{
		ma.StringCast("/ip4/10.0.0.1/tcp/1"),
		ma.StringCast("/ip4/172.16.0.1/tcp/1"),
		ma.StringCast("/ip4/192.168.0.5/udp/1/quic-v1"),
	}
	got := rs.Filter(addrs)
	if len(got) != 2 || !got[0].Equal(addrs[0]) || !got[1].Equal(addrs[2]) {
		t.Fatalf("filter = %v", got)
	}
}
