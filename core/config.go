package core

import (
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dvsetup/dvsetup/ceremony"
	"github.com/dvsetup/dvsetup/common/log"
	"github.com/dvsetup/dvsetup/lp2p"
)

// ConfigOption is a function that applies a specific setting to a Config.
type ConfigOption func(*Config)

// Config holds all relevant information for a node to run a ceremony.
type Config struct {
	dataFolder    string
	listenAddr    string
	metricsBind   string
	dockerHost    string
	image         string
	composeBinary string
	serviceName   string
	position      uint32
	peers         []string
	params        ceremony.Params
	retry         RetryPolicy
	dial          lp2p.DialPolicy
	quorumTimeout time.Duration
	updateEvery   time.Duration
	pprof         bool
	logger        log.Logger
	clock         clockwork.Clock
}

// NewConfig returns the config with the default options set and the updated
// values given by the options.
func NewConfig(opts ...ConfigOption) *Config {
	d := &Config{
		dataFolder:  DefaultDataFolder,
		listenAddr:  DefaultListenAddr,
		image:       ceremony.DefaultImage,
		serviceName: ceremony.DefaultService,
		params:      DefaultParams,
		retry:       DefaultRetryPolicy,
		dial:        lp2p.DefaultDialPolicy,
		updateEvery: DefaultUpdateInterval,
		logger:      log.DefaultLogger(),
		clock:       clockwork.NewRealClock(),
	}
	for i := range opts {
		opts[i](d)
	}
	return d
}

// DataFolder returns the folder holding the compose project and the artifacts.
func (d *Config) DataFolder() string {
	return d.dataFolder
}

// StateFolder returns the folder for the node's own state: p2p key, peer
// store and journal. It lives next to, not inside, the tool's folder.
func (d *Config) StateFolder() string {
	return filepath.Join(d.dataFolder, StateFolderName)
}

// Position returns the ordinal of this node. Position 0 leads.
func (d *Config) Position() uint32 {
	return d.position
}

// Peers returns the address of every participant, ordered by position.
func (d *Config) Peers() []string {
	return d.peers
}

// Followers is the number of participants besides the leader.
func (d *Config) Followers() int {
	if len(d.peers) == 0 {
		return 0
	}
	return len(d.peers) - 1
}

// IsLeader tells whether this node collects the identities.
func (d *Config) IsLeader() bool {
	return d.position == LeaderPosition
}

// Params returns the ceremony parameters.
func (d *Config) Params() ceremony.Params {
	return d.params
}

// RetryPolicy returns how long the exchange waits on peers.
func (d *Config) RetryPolicy() RetryPolicy {
	return d.retry
}

// Logger returns the logger associated with this config.
func (d *Config) Logger() log.Logger {
	return d.logger
}

// Clock returns the clock used for timeouts.
func (d *Config) Clock() clockwork.Clock {
	return d.clock
}

// WithDataFolder sets the folder holding the compose project.
func WithDataFolder(folder string) ConfigOption {
	return func(d *Config) {
		d.dataFolder = folder
	}
}

// WithListenAddress sets the p2p listen multiaddr.
func WithListenAddress(addr string) ConfigOption {
	return func(d *Config) {
		d.listenAddr = addr
	}
}

// WithMetricsBind starts the metrics server on addr. Empty disables it.
func WithMetricsBind(addr string) ConfigOption {
	return func(d *Config) {
		d.metricsBind = addr
	}
}

// WithPprof exposes the profiling endpoints on the metrics server.
func WithPprof() ConfigOption {
	return func(d *Config) {
		d.pprof = true
	}
}

// WithDockerHost overrides the docker daemon address from the environment.
func WithDockerHost(host string) ConfigOption {
	return func(d *Config) {
		d.dockerHost = host
	}
}

// WithImage sets the tool image.
func WithImage(image string) ConfigOption {
	return func(d *Config) {
		d.image = image
	}
}

// WithCompose sets the compose command and the service running the validator.
func WithCompose(binary, service string) ConfigOption {
	return func(d *Config) {
		d.composeBinary = binary
		if service != "" {
			d.serviceName = service
		}
	}
}

// WithParticipants sets the position of this node among peers.
func WithParticipants(position uint32, peers []string) ConfigOption {
	return func(d *Config) {
		d.position = position
		d.peers = peers
	}
}

// WithParams sets the ceremony parameters used by the leader.
func WithParams(p ceremony.Params) ConfigOption {
	return func(d *Config) {
		d.params = p
	}
}

// WithRetryPolicy sets how long the exchange waits on peers.
func WithRetryPolicy(p RetryPolicy) ConfigOption {
	return func(d *Config) {
		d.retry = p
	}
}

// WithDialPolicy sets how hard bootstrap peers are dialled.
func WithDialPolicy(p lp2p.DialPolicy) ConfigOption {
	return func(d *Config) {
		d.dial = p
	}
}

// WithQuorumTimeout bounds the wait for peers. Zero waits forever.
func WithQuorumTimeout(t time.Duration) ConfigOption {
	return func(d *Config) {
		d.quorumTimeout = t
	}
}

// WithUpdateInterval sets how often the update job fires. Zero disables it.
func WithUpdateInterval(t time.Duration) ConfigOption {
	return func(d *Config) {
		d.updateEvery = t
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) ConfigOption {
	return func(d *Config) {
		d.logger = l
	}
}

// WithClock sets the clock, tests use a fake one.
func WithClock(c clockwork.Clock) ConfigOption {
	return func(d *Config) {
		d.clock = c
	}
}
