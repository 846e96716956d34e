package lp2p

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/multiformats/go-multiaddr"
	madns "github.com/multiformats/go-multiaddr-dns"
	"github.com/stretchr/testify/require"
)

const (
	peer0       = "12D3KooW9rwsuYZdWMZfu4hsog3rcDH9okeB9ayAWGzESLwpca78"
	peer1       = "12D3KooW9uKWKaPxUSxJySsu2YB3PxaFaXYu8KSZuvLfQxYPu8jj"
	dnsaddr0    = "/dnsaddr/operator0.example"
	dnsaddr1    = "/dnsaddr/operator1.example"
	p2pIP4Addr0 = "/ip4/192.168.0.1/tcp/3610/p2p/" + peer0
	p2pIP6Addr0 = "/ip6/2001:db8::a3/tcp/3610/p2p/" + peer0
	p2pIP4Addr1 = "/ip4/10.10.10.10/tcp/3610/p2p/" + peer1
	notP2PAddr1 = "/ip4/10.10.10.10/tcp/80"
)

func mockResolver(txtRecords map[string][]string) *madns.Resolver {
	mock := &madns.MockBackend{
		IP:  map[string][]net.IPAddr{},
		TXT: txtRecords,
	}
	return &madns.Resolver{Backend: mock}
}

func findPeer(t *testing.T, ais []peer.AddrInfo, peerIDStr string) peer.AddrInfo {
	t.Helper()
	peerID, err := peer.Decode(peerIDStr)
	require.NoError(t, err)
	for _, ai := range ais {
		if ai.ID == peerID {
			return ai
		}
	}
	t.Fatal("not found", peerID)
	return peer.AddrInfo{}
}

func TestResolveDNS(t *testing.T) {
	addrs := []multiaddr.Multiaddr{
		multiaddr.StringCast(dnsaddr0),
		multiaddr.StringCast(dnsaddr1),
	}
	txtRecords := map[string][]string{
		"_dnsaddr.operator0.example": {"dnsaddr=" + p2pIP4Addr0, "dnsaddr=" + p2pIP6Addr0},
		"_dnsaddr.operator1.example": {"dnsaddr=" + p2pIP4Addr1, "dnsaddr=" + notP2PAddr1},
	}
	ais, err := resolveAddresses(context.Background(), addrs, mockResolver(txtRecords))
	require.NoError(t, err)
	require.Len(t, ais, 2)
	require.Len(t, findPeer(t, ais, peer0).Addrs, 2)
	require.Len(t, findPeer(t, ais, peer1).Addrs, 1)
}

func TestResolveKeepsP2PAddrs(t *testing.T) {
	addrs := []multiaddr.Multiaddr{multiaddr.StringCast(p2pIP4Addr1)}
	ais, err := resolveAddresses(context.Background(), addrs, &madns.Resolver{Backend: &failBackend{}})
	require.NoError(t, err)
	require.Len(t, ais, 1)
	findPeer(t, ais, peer1)
}

func TestResolveDNSNoAddrs(t *testing.T) {
	addrs := []multiaddr.Multiaddr{multiaddr.StringCast(dnsaddr0)}
	txtRecords := map[string][]string{"_dnsaddr.operator0.example": {}}
	_, err := resolveAddresses(context.Background(), addrs, mockResolver(txtRecords))
	require.Error(t, err)
	require.Contains(t, err.Error(), "found no p2p peers at")
}

type failBackend struct{}

func (fb *failBackend) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	return nil, errors.New("failBackend")
}
func (fb *failBackend) LookupTXT(context.Context, string) ([]string, error) {
	return nil, errors.New("failBackend")
}

func TestResolveDNSFailure(t *testing.T) {
	addrs := []multiaddr.Multiaddr{multiaddr.StringCast(dnsaddr0)}
	_, err := resolveAddresses(context.Background(), addrs, &madns.Resolver{Backend: &failBackend{}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "failBackend")
}
