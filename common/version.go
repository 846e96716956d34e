package common

import "fmt"

// Automatically set through -ldflags
// Example: go install -ldflags "-X github.com/dvsetup/dvsetup/common.Version=`git describe --tags`
//
//	-X github.com/dvsetup/dvsetup/common.GitCommit=`git rev-parse HEAD`"
var (
	Version   = "master"
	GitCommit = "none"
	BuildDate = "unknown"
)

// UserAgent is advertised to peers and printed by the CLI.
func UserAgent() string {
	return fmt.Sprintf("dvsetup/%s", Version)
}
