// Package blocklist filters peer addresses by IPv4 ranges read from a CIDR list.
package blocklist

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/google/btree"
)

var (
	errNotIPv4Address = errors.New("address is not ipv4")
	errNoValidRules   = errors.New("no valid rules")
)

type ipRange struct {
	first, last uint32
}

func lessRange(a, b ipRange) bool { return a.first < b.first }

// Blocklist holds non-overlapping IP ranges ordered by their first address.
type Blocklist struct {
	log logger.Logger

	m     sync.RWMutex
	tree  *btree.BTreeG[ipRange]
	count int
}

// New returns an empty Blocklist. Lines that cannot be parsed while loading are logged to l.
func New(l logger.Logger) *Blocklist {
	return &Blocklist{
		log:  l,
		tree: btree.NewG[ipRange](8, lessRange),
	}
}

// Len returns the number of rules loaded.
func (b *Blocklist) Len() int {
	b.m.RLock()
	defer b.m.RUnlock()
	return b.count
}

// Blocked returns true if addr is in one of the ranges. IPv6 addresses are never blocked.
func (b *Blocklist) Blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.Is4() {
		return false
	}
	a4 := addr.As4()
	val := binary.BigEndian.Uint32(a4[:])

	b.m.RLock()
	defer b.m.RUnlock()
	var blocked bool
	b.tree.DescendLessOrEqual(ipRange{first: val}, func(r ipRange) bool {
		blocked = val <= r.last
		return false
	})
	return blocked
}

// Reload replaces the rules with the ones read from r.
// Each line is a CIDR or a single IPv4 address. Empty lines and lines starting with '#' are skipped.
func (b *Blocklist) Reload(r io.Reader) (int, error) {
	ranges, n, err := b.load(r)
	if err != nil {
		return n, err
	}
	tree := btree.NewG[ipRange](8, lessRange)
	for _, rng := range merge(ranges) {
		tree.ReplaceOrInsert(rng)
	}

	b.m.Lock()
	b.tree = tree
	b.count = n
	b.m.Unlock()
	return n, nil
}

func (b *Blocklist) load(r io.Reader) ([]ipRange, int, error) {
	var ranges []ipRange
	var hasError bool
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		l := bytes.TrimSpace(scanner.Bytes())
		if len(l) == 0 || l[0] == '#' {
			continue
		}
		rng, err := parseRange(string(l))
		if err != nil {
			hasError = true
			if b.log != nil {
				b.log.Debugf("cannot parse blocklist line (%q): %s", l, err)
			}
			continue
		}
		ranges = append(ranges, rng)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	// At least one line must be correct, otherwise the input is probably not a blocklist.
	if len(ranges) == 0 && hasError {
		return nil, 0, errNoValidRules
	}
	return ranges, len(ranges), nil
}

// merge sorts ranges and joins the overlapping and adjacent ones.
func merge(ranges []ipRange) []ipRange {
	slices.SortFunc(ranges, func(a, b ipRange) int {
		switch {
		case a.first < b.first:
			return -1
		case a.first > b.first:
			return 1
		}
		return 0
	})
	var ret []ipRange
	for _, r := range ranges {
		if n := len(ret); n > 0 && (ret[n-1].last == ^uint32(0) || r.first <= ret[n-1].last+1) {
			ret[n-1].last = max(ret[n-1].last, r.last)
			continue
		}
		ret = append(ret, r)
	}
	return ret
}

func parseRange(s string) (r ipRange, err error) {
	var p netip.Prefix
	if strings.Contains(s, "/") {
		p, err = netip.ParsePrefix(s)
	} else {
		var addr netip.Addr
		addr, err = netip.ParseAddr(s)
		if err == nil {
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
	}
	if err != nil {
		return
	}
	if !p.Addr().Is4() {
		err = errNotIPv4Address
		return
	}
	a4 := p.Masked().Addr().As4()
	r.first = binary.BigEndian.Uint32(a4[:])
	r.last = r.first | uint32((uint64(1)<<(32-p.Bits()))-1)
	return
}
