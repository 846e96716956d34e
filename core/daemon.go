package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-chi/chi"
	"github.com/hashicorp/go-multierror"

	"github.com/dvsetup/dvsetup/artifact"
	"github.com/dvsetup/dvsetup/ceremony"
	"github.com/dvsetup/dvsetup/common/log"
	"github.com/dvsetup/dvsetup/docker"
	"github.com/dvsetup/dvsetup/fs"
	"github.com/dvsetup/dvsetup/job"
	"github.com/dvsetup/dvsetup/journal"
	"github.com/dvsetup/dvsetup/lp2p"
	"github.com/dvsetup/dvsetup/metrics"
	"github.com/dvsetup/dvsetup/metrics/pprof"
	"github.com/dvsetup/dvsetup/readiness"
	"github.com/dvsetup/dvsetup/transport"
)

// Network is the p2p layer a node waits on and exchanges over.
type Network interface {
	Watch(ctx context.Context) <-chan readiness.Event
	Transport() (transport.Transport, error)
	Close() error
}

// p2pNetwork adapts an lp2p node to Network.
type p2pNetwork struct {
	*lp2p.Node
}

func (n p2pNetwork) Transport() (transport.Transport, error) {
	return n.Node.Transport()
}

// Daemon runs a node from start to the job loop: identity, peers,
// exchange, ceremony, validator service.
type Daemon struct {
	opts    *Config
	log     log.Logger
	store   *artifact.FileStore
	journal *journal.Journal
	runner  *job.Runner

	state        sync.Mutex
	participants []Participant
	metricsLis   net.Listener
	closers      []func() error
}

// NewDaemon creates the data folders and opens the journal.
func NewDaemon(c *Config) (*Daemon, error) {
	l := c.Logger().Named("daemon")
	if err := fs.CreateSecureFolder(c.StateFolder()); err != nil {
		return nil, fmt.Errorf("creating state folder: %w", err)
	}
	store, err := artifact.NewFileStore(c.DataFolder())
	if err != nil {
		return nil, err
	}
	participants, err := NewParticipants(c.Peers())
	if err != nil {
		return nil, err
	}
	j, err := journal.Open(c.StateFolder(), false, c.Clock(), l)
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		opts:         c,
		log:          l,
		store:        store,
		journal:      j,
		runner:       job.NewRunner(c.Clock(), l),
		participants: participants,
	}
	if err := d.runner.Register(&job.UpdateHandler{Journal: j}); err != nil {
		_ = j.Close()
		return nil, err
	}
	d.runner.Every(job.UpdateName, c.updateEvery)
	return d, nil
}

// Journal returns the phase journal of the node.
func (d *Daemon) Journal() *journal.Journal {
	return d.journal
}

// Participants returns the cluster as known so far. Followers only learn
// their own identity.
func (d *Daemon) Participants() []Participant {
	d.state.Lock()
	defer d.state.Unlock()
	return append([]Participant(nil), d.participants...)
}

func (d *Daemon) setIdentity(position uint32, id string) {
	d.state.Lock()
	defer d.state.Unlock()
	if int(position) < len(d.participants) {
		d.participants[position].Identity = id
	}
}

// API serves the node status, the participants and the job endpoints.
func (d *Daemon) API() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		records, err := d.journal.Latest()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, records)
	})
	r.Get("/participants", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, d.Participants())
	})
	r.Mount("/jobs", d.runner.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Start connects to docker, joins the p2p network and runs the node until
// ctx is done or a phase fails.
func (d *Daemon) Start(ctx context.Context) error {
	c := d.opts
	if c.metricsBind != "" {
		var prof http.Handler
		if c.pprof {
			prof = pprof.WithProfile()
		}
		lis, err := metrics.Start(c.metricsBind, prof, d.API(), d.log)
		if err != nil {
			return err
		}
		d.addCloser(lis.Close)
		d.state.Lock()
		d.metricsLis = lis
		d.state.Unlock()
	}

	client, err := docker.Connect(ctx, c.dockerHost, d.log)
	if err != nil {
		return err
	}
	d.addCloser(client.Close)
	if err := client.EnsureImage(ctx, c.image); err != nil {
		return err
	}
	svc := docker.NewCompose(c.composeBinary, d.store.Root(), d.log)

	dial := func() (Network, error) {
		node, err := lp2p.NewNode(d.log, &lp2p.NodeConfig{
			Ceremony:     c.params.Name,
			Position:     c.position,
			Peers:        c.peers,
			Addr:         c.listenAddr,
			DataDir:      filepath.Join(c.StateFolder(), PeerStoreFolder),
			IdentityPath: filepath.Join(c.StateFolder(), P2PKeyFile),
			Dial:         c.dial,
		})
		if err != nil {
			return nil, err
		}
		return p2pNetwork{node}, nil
	}
	return d.run(ctx, client, svc, dial)
}

// MetricsAddr is the address of the metrics server once started.
func (d *Daemon) MetricsAddr() string {
	d.state.Lock()
	defer d.state.Unlock()
	if d.metricsLis == nil {
		return ""
	}
	return d.metricsLis.Addr().String()
}

func (d *Daemon) addCloser(fn func() error) {
	d.state.Lock()
	defer d.state.Unlock()
	d.closers = append(d.closers, fn)
}

func (d *Daemon) run(ctx context.Context, rt docker.Runtime, svc ceremony.Service, dial func() (Network, error)) error {
	c := d.opts
	run, err := d.journal.Begin()
	if err != nil {
		return err
	}
	d.log.Infow("node starting", "run", run.String(), "position", c.position,
		"participants", len(c.peers), "leader", c.IsLeader(), "folder", d.store.Root())

	var op *ceremony.Operator
	err = d.journal.Track(journal.PhaseIdentity, func() (string, error) {
		var err error
		op, err = ceremony.NewOperator(ctx, rt, d.store, ceremony.Options{
			Image:       c.image,
			ServiceName: c.serviceName,
			Service:     svc,
		}, d.log)
		if err != nil {
			return "", err
		}
		return op.Identity(), nil
	})
	if err != nil {
		return err
	}
	d.setIdentity(c.position, op.Identity())

	network, err := dial()
	if err != nil {
		return err
	}
	d.addCloser(network.Close)

	err = d.journal.Track(journal.PhaseReadiness, func() (string, error) {
		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		m := readiness.NewMonitor(c.Followers(), c.quorumTimeout, c.clock, d.log)
		peers, err := m.Wait(wctx, network.Watch(wctx))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d peers", len(peers)), nil
	})
	if err != nil {
		return err
	}

	tr, err := network.Transport()
	if err != nil {
		return err
	}
	d.addCloser(tr.Close)

	err = d.journal.Track(journal.PhaseExchange, func() (string, error) {
		coord := NewCoordinator(tr, op, c)
		if c.IsLeader() {
			ids, err := coord.RunAsLeader(ctx, c.Followers())
			if err != nil {
				return "", err
			}
			for p, id := range coord.Identities() {
				d.setIdentity(p, id)
			}
			return fmt.Sprintf("collected %d identities", len(ids)), nil
		}
		return "config adopted", coord.RunAsFollower(ctx, c.position)
	})
	if err != nil {
		return err
	}

	err = d.journal.Track(journal.PhaseCeremony, func() (string, error) {
		return "", op.RunCeremony(ctx)
	})
	if err != nil {
		return err
	}

	err = d.journal.Track(journal.PhaseService, func() (string, error) {
		id, err := op.StartService(ctx)
		return strings.TrimSpace(id), err
	})
	if err != nil {
		return err
	}

	d.log.Infow("validator service running, handing over to jobs")
	if err := d.runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// Stop releases every resource opened by the daemon.
func (d *Daemon) Stop() error {
	d.state.Lock()
	closers := d.closers
	d.closers = nil
	d.state.Unlock()

	var merr *multierror.Error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := d.journal.Close(); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}
