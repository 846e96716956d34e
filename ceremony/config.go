package ceremony

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Params are the ceremony wide settings chosen by the leader.
type Params struct {
	Name           string
	ValidatorCount int
	FeeRecipient   string
	Withdrawal     string
	// Network is the target chain, left to the tool default when empty.
	Network string
}

// Config describes a ceremony before the tool turned it into its own
// definition file. Identities are ordered, the leader first.
type Config struct {
	Name         string
	Participants int
	Identities   []string
	Params       Params
}

// NewConfig orders self before peers.
func NewConfig(self string, peers []string, p Params) *Config {
	ids := make([]string, 0, len(peers)+1)
	ids = append(ids, self)
	ids = append(ids, peers...)
	return &Config{
		Name:         p.Name,
		Participants: len(ids),
		Identities:   ids,
		Params:       p,
	}
}

// Validate checks the config is complete. Identities are opaque here; their
// format is for the tool to judge.
func (c *Config) Validate() error {
	switch {
	case c.Name == "":
		return errors.New("ceremony name is empty")
	case c.Participants <= 0:
		return errors.New("ceremony needs at least one participant")
	case len(c.Identities) != c.Participants:
		return fmt.Errorf("%d identities for %d participants", len(c.Identities), c.Participants)
	case c.Params.ValidatorCount <= 0:
		return fmt.Errorf("invalid validator count %d", c.Params.ValidatorCount)
	}
	return nil
}

// authorArgs is the command line creating the definition file.
func (c *Config) authorArgs() []string {
	args := []string{
		"create", "dkg",
		"--name", c.Name,
		"--num-validators", strconv.Itoa(c.Params.ValidatorCount),
		"--fee-recipient-addresses", c.Params.FeeRecipient,
		"--withdrawal-addresses", c.Params.Withdrawal,
	}
	if c.Params.Network != "" {
		args = append(args, "--network", c.Params.Network)
	}
	return append(args, "--operator-enrs", strings.Join(c.Identities, ","))
}
