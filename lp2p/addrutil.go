package lp2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"
	madns "github.com/multiformats/go-multiaddr-dns"
)

const (
	dnsResolveTimeout = 10 * time.Second
)

// resolveAddresses resolves dnsaddr entries concurrently and groups every
// address by peer. Addresses already ending in /p2p/<id> are kept as is.
func resolveAddresses(ctx context.Context, addrs []ma.Multiaddr, resolver *madns.Resolver) ([]peer.AddrInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, dnsResolveTimeout)
	defer cancel()

	if resolver == nil {
		resolver = madns.DefaultResolver
	}

	var (
		mu     sync.Mutex
		maddrs []ma.Multiaddr
		errs   []error
		wg     sync.WaitGroup
	)

	for _, addr := range addrs {
		if hasPeerID(addr) {
			maddrs = append(maddrs, addr)
			continue
		}
		wg.Add(1)
		go func(maddr ma.Multiaddr) {
			defer wg.Done()
			raddrs, err := resolver.Resolve(ctx, maddr)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to resolve %q: %w", maddr, err))
				return
			}
			found := 0
			for _, raddr := range raddrs {
				if hasPeerID(raddr) {
					maddrs = append(maddrs, raddr)
					found++
				}
			}
			if found == 0 {
				errs = append(errs, fmt.Errorf("found no p2p peers at %s", maddr))
			}
		}(addr)
	}
	wg.Wait()

	if len(errs) > 0 {
		return nil, errs[0]
	}
	return peer.AddrInfosFromP2pAddrs(maddrs...)
}

func hasPeerID(addr ma.Multiaddr) bool {
	_, last := ma.SplitLast(addr)
	return last != nil && last.Protocol().Code == ma.P_P2P
}
