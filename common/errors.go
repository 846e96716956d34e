package common

import "errors"

// ErrPeerDiscoveryFailed indicates the expected quorum of peers was never reached
var ErrPeerDiscoveryFailed = errors.New("peer discovery failed")

// ErrIncompleteExchange means the message stream ended before the exchange completed
var ErrIncompleteExchange = errors.New("incomplete exchange")

// ErrExchangeTimeout means a node gave up waiting on its peers after exhausting its retries
var ErrExchangeTimeout = errors.New("exchange timed out")

// ErrIdentityGenerationFailed indicates the identity container never printed an identity
var ErrIdentityGenerationFailed = errors.New("identity generation failed")

// ErrConfigAuthoringFailed indicates the configuration container failed or wrote nothing
var ErrConfigAuthoringFailed = errors.New("config authoring failed")

// ErrCeremonyFailed indicates the ceremony ran but left no lock file behind.
// It is not recoverable by this node.
var ErrCeremonyFailed = errors.New("ceremony failed")

// ErrTransportIO wraps errors coming from the message transport
var ErrTransportIO = errors.New("transport i/o failed")

// ErrProcessIO wraps errors coming from the container runtime
var ErrProcessIO = errors.New("process i/o failed")
