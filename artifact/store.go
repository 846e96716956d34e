// Package artifact stores the files whose presence marks a ceremony phase as
// complete. Every artifact lives at a fixed path under the node data
// directory so the ceremony container, which sees the same directory through
// a bind mount, reads and writes the very same files.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dvsetup/dvsetup/fs"
)

// Kind names one of the artifacts a phase produces.
type Kind int

const (
	// IdentityKey is the private key written by the identity container.
	IdentityKey Kind = iota
	// IdentityPublic holds the identity (ENR) scraped from the identity container output.
	IdentityPublic
	// ConfigDefinition is the ceremony configuration, authored by the leader and copied by followers.
	ConfigDefinition
	// CeremonyLock is written by the tool once the ceremony succeeded.
	CeremonyLock
)

// ToolDir is the folder, relative to the data directory, the tool writes into.
const ToolDir = ".charon"

var kinds = map[Kind]struct {
	name string
	rel  string
	perm os.FileMode
}{
	IdentityKey:      {"identity-key", filepath.Join(ToolDir, "charon-enr-private-key"), fs.DefaultFilePermission},
	IdentityPublic:   {"identity-public", "enr.pub", 0644},
	ConfigDefinition: {"config-definition", filepath.Join(ToolDir, "cluster-definition.json"), 0644},
	CeremonyLock:     {"ceremony-lock", filepath.Join(ToolDir, "cluster-lock.json"), 0644},
}

func (k Kind) String() string {
	if d, ok := kinds[k]; ok {
		return d.name
	}
	return fmt.Sprintf("artifact(%d)", int(k))
}

// Store persists artifacts by kind.
type Store interface {
	Exists(k Kind) (bool, error)
	Read(k Kind) ([]byte, error)
	Write(k Kind, data []byte) error
	Path(k Kind) string
	Root() string
}

// FileStore is a Store backed by files under a root folder.
type FileStore struct {
	root string
}

// NewFileStore returns a store rooted at folder, creating it if needed.
func NewFileStore(folder string) (*FileStore, error) {
	abs, err := filepath.Abs(folder)
	if err != nil {
		return nil, err
	}
	if err := fs.CreateSecureFolder(filepath.Join(abs, ToolDir)); err != nil {
		return nil, fmt.Errorf("creating artifact folder: %w", err)
	}
	return &FileStore{root: abs}, nil
}

// Root returns the absolute data directory.
func (f *FileStore) Root() string {
	return f.root
}

// Path returns the absolute path of the artifact.
func (f *FileStore) Path(k Kind) string {
	d, ok := kinds[k]
	if !ok {
		panic(fmt.Sprintf("unknown artifact kind %d", int(k)))
	}
	return filepath.Join(f.root, d.rel)
}

// Exists reports whether the artifact has been produced.
func (f *FileStore) Exists(k Kind) (bool, error) {
	return fs.Exists(f.Path(k))
}

// Read returns the raw artifact content.
func (f *FileStore) Read(k Kind) ([]byte, error) {
	data, err := os.ReadFile(f.Path(k))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", k, err)
	}
	return data, nil
}

// Write replaces the artifact content atomically.
func (f *FileStore) Write(k Kind, data []byte) error {
	if err := fs.WriteFileAtomic(f.Path(k), data, kinds[k].perm); err != nil {
		return fmt.Errorf("writing %s: %w", k, err)
	}
	return nil
}
