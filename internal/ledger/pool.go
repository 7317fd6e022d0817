package ledger

import (
	"fmt"
	"math/big"
	"net/netip"
	"strconv"
	"strings"

	"github.com/imamik/vmpilot/internal/deployment"
)

// Pool enumerates the identifiers of one class that may be handed out automatically.
type Pool interface {
	Class() deployment.IdentifierClass
	// Normalize validates a value and returns its canonical form.
	Normalize(value string) (string, error)
	// Each calls fn for every pool value, lowest first, until fn returns false.
	Each(fn func(value string) bool)
	// Size is the number of values in the pool.
	Size() int
	// Compare orders two normalized values.
	Compare(a, b string) int
}

// RangePool is an inclusive integer range, used for VM IDs.
type RangePool struct {
	class    deployment.IdentifierClass
	Min, Max int
}

// NewRangePool creates a pool of the integers min..max.
func NewRangePool(class deployment.IdentifierClass, min, max int) (*RangePool, error) {
	if min < 0 || max < min {
		return nil, fmt.Errorf("invalid %s range %d-%d", class, min, max)
	}
	return &RangePool{class: class, Min: min, Max: max}, nil
}

func (p *RangePool) Class() deployment.IdentifierClass { return p.class }

func (p *RangePool) Normalize(value string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return "", fmt.Errorf("%w: %s %q is not a non-negative integer", ErrInvalidIdentifier, p.class, value)
	}
	return strconv.Itoa(n), nil
}

func (p *RangePool) Each(fn func(string) bool) {
	for n := p.Min; n <= p.Max; n++ {
		if !fn(strconv.Itoa(n)) {
			return
		}
	}
}

func (p *RangePool) Size() int { return p.Max - p.Min + 1 }

func (p *RangePool) Compare(a, b string) int {
	x, _ := strconv.Atoi(a)
	y, _ := strconv.Atoi(b)
	return x - y
}

// PrefixPool hands out IPv4 host addresses of a subnet.
// The network address, the first Skip hosts (gateway and friends) and the
// broadcast address are never handed out.
type PrefixPool struct {
	class  deployment.IdentifierClass
	Prefix netip.Prefix
	Skip   int
}

// NewPrefixPool creates an address pool from a CIDR such as "10.0.1.0/24".
func NewPrefixPool(class deployment.IdentifierClass, cidr string, skip int) (*PrefixPool, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s CIDR %q: %w", class, cidr, err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("invalid %s CIDR %q: only IPv4 is supported", class, cidr)
	}
	if prefix.Bits() > 30 {
		return nil, fmt.Errorf("invalid %s CIDR %q: prefix too small", class, cidr)
	}
	if skip < 0 {
		skip = 0
	}
	return &PrefixPool{class: class, Prefix: prefix.Masked(), Skip: skip}, nil
}

func (p *PrefixPool) Class() deployment.IdentifierClass { return p.class }

func (p *PrefixPool) Normalize(value string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(value))
	if err != nil || !addr.Is4() {
		return "", fmt.Errorf("%w: %s %q is not an IPv4 address", ErrInvalidIdentifier, p.class, value)
	}
	return addr.String(), nil
}

func (p *PrefixPool) Each(fn func(string) bool) {
	addr := p.Prefix.Addr().Next()
	for i := 0; i < p.Skip && p.Prefix.Contains(addr); i++ {
		addr = addr.Next()
	}
	for ; p.Prefix.Contains(addr); addr = addr.Next() {
		if !p.Prefix.Contains(addr.Next()) {
			return // broadcast
		}
		if !fn(addr.String()) {
			return
		}
	}
}

func (p *PrefixPool) Size() int {
	hosts := new(big.Int).Lsh(big.NewInt(1), uint(32-p.Prefix.Bits()))
	n := int(hosts.Int64()) - 2 - p.Skip
	if n < 0 {
		return 0
	}
	return n
}

func (p *PrefixPool) Compare(a, b string) int {
	x, errA := netip.ParseAddr(a)
	y, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return x.Compare(y)
}

// NamePool hands out names of the form "<prefix>-<n>" for n in [0, Count).
type NamePool struct {
	class  deployment.IdentifierClass
	Prefix string
	Count  int
}

// NewNamePool creates a pool of count sequential names.
func NewNamePool(class deployment.IdentifierClass, prefix string, count int) (*NamePool, error) {
	if prefix == "" || count <= 0 {
		return nil, fmt.Errorf("invalid %s pool %q/%d", class, prefix, count)
	}
	return &NamePool{class: class, Prefix: prefix, Count: count}, nil
}

func (p *NamePool) Class() deployment.IdentifierClass { return p.class }

func (p *NamePool) Normalize(value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" || strings.ContainsAny(v, " \t/") {
		return "", fmt.Errorf("%w: %s %q is not a valid name", ErrInvalidIdentifier, p.class, value)
	}
	return v, nil
}

func (p *NamePool) Each(fn func(string) bool) {
	for n := 0; n < p.Count; n++ {
		if !fn(fmt.Sprintf("%s-%d", p.Prefix, n)) {
			return
		}
	}
}

func (p *NamePool) Size() int { return p.Count }

func (p *NamePool) Compare(a, b string) int {
	x, okA := p.index(a)
	y, okB := p.index(b)
	if okA && okB {
		return x - y
	}
	return strings.Compare(a, b)
}

func (p *NamePool) index(v string) (int, bool) {
	rest, ok := strings.CutPrefix(v, p.Prefix+"-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	return n, err == nil
}

// DefaultPools returns the pools used when nothing is configured.
func DefaultPools() []Pool {
	vm, _ := NewRangePool(deployment.ClassVMID, 100, 999)
	ip, _ := NewPrefixPool(deployment.ClassIPAddress, "10.0.1.0/24", 1)
	vol, _ := NewNamePool(deployment.ClassVolumeName, "vmpilot-vol", 1000)
	return []Pool{vm, ip, vol}
}
