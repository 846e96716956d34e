// Package dvsetup coordinates the distributed key generation of a charon
// distributed validator cluster and starts the validator stack afterwards.
package dvsetup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/urfave/cli/v2"

	"github.com/dvsetup/dvsetup/common"
	"github.com/dvsetup/dvsetup/common/log"
	"github.com/dvsetup/dvsetup/core"
	"github.com/dvsetup/dvsetup/journal"
)

// default output of the operational commands. The daemon logs through its
// own logger.
var output io.Writer = os.Stdout

const refreshRate = 200 * time.Millisecond

func banner() {
	fmt.Fprintf(output, "dvsetup %v (date %v, commit %v)\n", common.Version, common.BuildDate, common.GitCommit)
}

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "TOML node file. Flags given on the command line override its values.",
	EnvVars: []string{"DVSETUP_CONFIG"},
}

var folderFlag = &cli.StringFlag{
	Name:  "folder",
	Value: core.DefaultDataFolder,
	Usage: "Folder holding the compose project. The tool's artifacts go to its .charon folder.",
}

var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "If set, verbosity is at the debug level",
}

var jsonLogsFlag = &cli.BoolFlag{
	Name:  "json-logs",
	Usage: "Log in JSON instead of the console format.",
}

var positionFlag = &cli.UintFlag{
	Name:  "position",
	Usage: "Position of this node among the participants. Position 0 leads the exchange.",
}

var peersFlag = &cli.StringSliceFlag{
	Name: "peers",
	Usage: "Multiaddr of every participant including /p2p/<id>, ordered by position. " +
		"The entry at this node's own position is ignored.",
}

var listenFlag = &cli.StringFlag{
	Name:  "listen",
	Usage: "p2p listen multiaddr.",
}

var metricsFlag = &cli.StringFlag{
	Name:  "metrics",
	Usage: "Launch a metrics server at the specified (host:)port.",
}

var pprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Usage: "Expose the profiling endpoints on the metrics server.",
}

var dockerHostFlag = &cli.StringFlag{
	Name:  "docker-host",
	Usage: "Docker daemon address. Defaults to the DOCKER_HOST environment.",
}

var imageFlag = &cli.StringFlag{
	Name:  "image",
	Usage: "Image of the ceremony tool.",
}

var nameFlag = &cli.StringFlag{
	Name:  "name",
	Usage: "Cluster name, also used to pick the gossip topic.",
}

var validatorsFlag = &cli.IntFlag{
	Name:  "validators",
	Usage: "Number of validators the cluster runs.",
}

var quorumTimeoutFlag = &cli.DurationFlag{
	Name:  "quorum-timeout",
	Usage: "Give up when the peers are not all connected after this long. Zero waits forever.",
}

var receiveTimeoutFlag = &cli.DurationFlag{
	Name:  "receive-timeout",
	Usage: "First wait on a peer before retransmitting during the exchange. Negative waits forever.",
}

var appCommands = []*cli.Command{
	{
		Name:  "run",
		Usage: "Run the node: identity, peers, exchange, ceremony and validator service.",
		Flags: toArray(configFlag, folderFlag, positionFlag, peersFlag, listenFlag, metricsFlag,
			pprofFlag, dockerHostFlag, imageFlag, nameFlag, validatorsFlag, quorumTimeoutFlag,
			receiveTimeoutFlag),
		Action: func(c *cli.Context) error {
			banner()
			return runCmd(c)
		},
	},
	{
		Name:  "identity",
		Usage: "Create the node identity if needed and print it.",
		Flags: toArray(configFlag, folderFlag, dockerHostFlag, imageFlag),
		Action: func(c *cli.Context) error {
			return identityCmd(c)
		},
	},
	{
		Name:  "peer-id",
		Usage: "Create the p2p key if needed and print the peer id to share with the other participants.",
		Flags: toArray(configFlag, folderFlag),
		Action: func(c *cli.Context) error {
			return peerIDCmd(c)
		},
	},
	{
		Name:  "status",
		Usage: "Print the outcome of every phase of the last run of a stopped node.",
		Flags: toArray(configFlag, folderFlag),
		Action: func(c *cli.Context) error {
			return statusCmd(c)
		},
	},
}

// CLI runs the dvsetup app
func CLI() *cli.App {
	app := cli.NewApp()
	app.Name = "dvsetup"
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintf(output, "dvsetup %v (date %v, commit %v)\n", common.Version, common.BuildDate, common.GitCommit)
	}

	app.ExitErrHandler = func(context *cli.Context, err error) {
		// override to prevent default behavior of calling OS.exit(1),
		// when tests expect to be able to run multiple commands.
	}
	app.Version = common.Version
	app.Usage = "distributed validator ceremony coordinator"
	app.Commands = appCommands
	app.Flags = toArray(verboseFlag, jsonLogsFlag)
	return app
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}

func contextToConfig(c *cli.Context) (*core.Config, error) {
	var opts []core.ConfigOption

	jsonLogs := c.Bool(jsonLogsFlag.Name)
	opts = append(opts, core.WithLogger(log.New(nil, log.InfoLevel, jsonLogs)))
	if c.IsSet(configFlag.Name) {
		nc, err := core.LoadNodeConfig(c.String(configFlag.Name))
		if err != nil {
			return nil, err
		}
		fileOpts, err := nc.Options()
		if err != nil {
			return nil, fmt.Errorf("node config %s: %w", c.String(configFlag.Name), err)
		}
		opts = append(opts, fileOpts...)
	}
	if c.Bool(verboseFlag.Name) {
		opts = append(opts, core.WithLogger(log.New(nil, log.DebugLevel, jsonLogs)))
	}

	if c.IsSet(folderFlag.Name) || !c.IsSet(configFlag.Name) {
		opts = append(opts, core.WithDataFolder(c.String(folderFlag.Name)))
	}
	if c.IsSet(peersFlag.Name) {
		opts = append(opts, core.WithParticipants(uint32(c.Uint(positionFlag.Name)), c.StringSlice(peersFlag.Name)))
	}
	if c.IsSet(listenFlag.Name) {
		opts = append(opts, core.WithListenAddress(c.String(listenFlag.Name)))
	}
	if c.IsSet(metricsFlag.Name) {
		opts = append(opts, core.WithMetricsBind(c.String(metricsFlag.Name)))
	}
	if c.Bool(pprofFlag.Name) {
		opts = append(opts, core.WithPprof())
	}
	if c.IsSet(dockerHostFlag.Name) {
		opts = append(opts, core.WithDockerHost(c.String(dockerHostFlag.Name)))
	}
	if c.IsSet(imageFlag.Name) {
		opts = append(opts, core.WithImage(c.String(imageFlag.Name)))
	}
	if c.IsSet(quorumTimeoutFlag.Name) {
		opts = append(opts, core.WithQuorumTimeout(c.Duration(quorumTimeoutFlag.Name)))
	}

	conf := core.NewConfig(opts...)
	if c.IsSet(nameFlag.Name) || c.IsSet(validatorsFlag.Name) {
		p := conf.Params()
		if c.IsSet(nameFlag.Name) {
			p.Name = c.String(nameFlag.Name)
		}
		if c.IsSet(validatorsFlag.Name) {
			p.ValidatorCount = c.Int(validatorsFlag.Name)
		}
		opts = append(opts, core.WithParams(p))
	}
	if c.IsSet(receiveTimeoutFlag.Name) {
		policy := conf.RetryPolicy()
		policy.ReceiveTimeout = c.Duration(receiveTimeoutFlag.Name)
		opts = append(opts, core.WithRetryPolicy(policy))
	}
	return core.NewConfig(opts...), nil
}

func runCmd(c *cli.Context) error {
	conf, err := contextToConfig(c)
	if err != nil {
		return err
	}
	if len(conf.Peers()) == 0 {
		return errors.New("no participants: set --peers or a [participants] section")
	}
	d, err := core.NewDaemon(conf)
	if err != nil {
		return fmt.Errorf("can't instantiate node: %w", err)
	}
	defer func() {
		if err := d.Stop(); err != nil {
			conf.Logger().Errorw("stopping node", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(output, "dvsetup: position %d of %d, data folder %s\n",
		conf.Position(), len(conf.Peers()), conf.DataFolder())
	done := waitForQuorum(ctx, d.Journal())
	err = d.Start(ctx)
	done()
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(output, "dvsetup: node stopped. Bye.")
		return nil
	}
	return err
}

// waitForQuorum spins until the readiness phase of the current run is over.
func waitForQuorum(ctx context.Context, j *journal.Journal) func() {
	var phase atomic.Value
	phase.Store("starting")

	s := spinner.New(spinner.CharSets[9], refreshRate, spinner.WithWriter(output))
	s.PreUpdate = func(spin *spinner.Spinner) {
		spin.Suffix = fmt.Sprintf("  %s", phase.Load())
	}
	s.FinalMSG = "\n"
	s.Start()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer s.Stop()
		ticker := time.NewTicker(refreshRate)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			records, err := j.Latest()
			if err != nil || len(records) == 0 {
				continue
			}
			last := records[len(records)-1]
			if last.Run != j.Run() {
				continue
			}
			switch {
			case last.Phase == journal.PhaseIdentity,
				last.Phase == journal.PhaseReadiness && last.Status == journal.StatusStarted:
				phase.Store(fmt.Sprintf("%s %s", last.Phase, last.Status))
			default:
				return
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func identityCmd(c *cli.Context) error {
	conf, err := contextToConfig(c)
	if err != nil {
		return err
	}
	id, err := core.LoadIdentity(c.Context, conf)
	if err != nil {
		return err
	}
	fmt.Fprintln(output, id)
	return nil
}

func peerIDCmd(c *cli.Context) error {
	conf, err := contextToConfig(c)
	if err != nil {
		return err
	}
	id, err := core.PeerID(conf)
	if err != nil {
		return err
	}
	fmt.Fprintln(output, id.String())
	return nil
}

func statusCmd(c *cli.Context) error {
	conf, err := contextToConfig(c)
	if err != nil {
		return err
	}
	runs, latest, err := core.Status(conf)
	if err != nil {
		return err
	}
	fmt.Fprintf(output, "runs: %d\n", runs)
	if len(latest) == 0 {
		fmt.Fprintln(output, "no phase recorded yet")
		return nil
	}
	for _, r := range latest {
		fmt.Fprintln(output, r.String())
	}
	return nil
}
