package core

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/dvsetup/dvsetup/artifact"
	"github.com/dvsetup/dvsetup/ceremony"
	"github.com/dvsetup/dvsetup/docker"
	"github.com/dvsetup/dvsetup/journal"
	"github.com/dvsetup/dvsetup/lp2p"
)

// LoadIdentity connects to docker and returns the identity record of the
// node, creating it if needed. Nothing else is started.
func LoadIdentity(ctx context.Context, c *Config) (string, error) {
	l := c.Logger().Named("identity")
	client, err := docker.Connect(ctx, c.dockerHost, l)
	if err != nil {
		return "", err
	}
	defer client.Close()
	if err := client.EnsureImage(ctx, c.image); err != nil {
		return "", err
	}
	store, err := artifact.NewFileStore(c.DataFolder())
	if err != nil {
		return "", err
	}
	op, err := ceremony.NewOperator(ctx, client, store, ceremony.Options{
		Image:         c.image,
		ComposeBinary: c.composeBinary,
		ServiceName:   c.serviceName,
	}, l)
	if err != nil {
		return "", err
	}
	return op.Identity(), nil
}

// PeerID returns the libp2p id of the node, creating its key if needed.
// Other participants list it in their peer addresses.
func PeerID(c *Config) (peer.ID, error) {
	priv, err := lp2p.LoadOrCreatePrivKey(filepath.Join(c.StateFolder(), P2PKeyFile), c.Logger())
	if err != nil {
		return "", err
	}
	return peer.IDFromPrivateKey(priv)
}

// Status reads the journal of a stopped node. A running node holds the
// journal lock and reports on its /api/status endpoint instead.
func Status(c *Config) (runs int, latest []journal.Record, err error) {
	j, err := journal.Open(c.StateFolder(), true, c.Clock(), c.Logger())
	if err != nil {
		return 0, nil, fmt.Errorf("no journal in %s: %w", c.StateFolder(), err)
	}
	defer j.Close()
	if runs, err = j.Runs(); err != nil {
		return 0, nil, err
	}
	latest, err = j.Latest()
	return runs, latest, err
}
