package server

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

var ErrPoolExhausted = errors.New("address pool exhausted")

// Pool hands out tunnel addresses from an IPv4 prefix. The first host address
// belongs to the server; network and broadcast addresses are never used.
type Pool struct {
	prefix    netip.Prefix
	gateway   netip.Addr
	broadcast netip.Addr

	mu    sync.Mutex
	inUse map[netip.Addr]struct{}
	next  netip.Addr
}

func NewPool(prefix netip.Prefix) (*Pool, error) {
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() || prefix.Bits() > 30 {
		return nil, fmt.Errorf("pool must be an IPv4 prefix of /30 or wider: %s", prefix)
	}

	gateway := prefix.Addr().Next()
	return &Pool{
		prefix:    prefix,
		gateway:   gateway,
		broadcast: lastAddr(prefix),
		inUse:     make(map[netip.Addr]struct{}),
		next:      gateway.Next(),
	}, nil
}

func (p *Pool) Prefix() netip.Prefix {
	return p.prefix
}

func (p *Pool) Gateway() netip.Addr {
	return p.gateway
}

// Acquire returns a free address, scanning round-robin from the last one
// handed out.
func (p *Pool) Acquire() (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.next
	addr := start
	for {
		if _, used := p.inUse[addr]; !used {
			p.inUse[addr] = struct{}{}
			p.next = p.advance(addr)
			return addr, nil
		}
		addr = p.advance(addr)
		if addr == start {
			return netip.Addr{}, ErrPoolExhausted
		}
	}
}

func (p *Pool) Release(addr netip.Addr) {
	p.mu.Lock()
	delete(p.inUse, addr)
	p.mu.Unlock()
}

func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

func (p *Pool) advance(addr netip.Addr) netip.Addr {
	next := addr.Next()
	if next == p.broadcast || !p.prefix.Contains(next) {
		return p.gateway.Next()
	}
	return next
}

func lastAddr(prefix netip.Prefix) netip.Addr {
	b := prefix.Addr().As4()
	hostBits := 32 - prefix.Bits()
	for i := 3; i >= 0 && hostBits > 0; i-- {
		n := min(hostBits, 8)
		b[i] |= byte(1<<n - 1)
		hostBits -= n
	}
	return netip.AddrFrom4(b)
}
