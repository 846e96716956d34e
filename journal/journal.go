// Package journal persists the outcome of every phase a node went through so
// a restarted node, or an operator running the status command, can tell what
// is already done.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"

	"github.com/dvsetup/dvsetup/common/log"
)

// FileName is the name of the file boltdb writes to
const FileName = "journal.db"

// OpenPerm is the permission of the journal file
const OpenPerm = 0660

var (
	runsBucket   = []byte("runs")
	latestBucket = []byte("latest")
	eventsBucket = []byte("events")
)

// Phase is a step of a node run.
type Phase string

const (
	PhaseIdentity  Phase = "identity"
	PhaseReadiness Phase = "readiness"
	PhaseExchange  Phase = "exchange"
	PhaseCeremony  Phase = "ceremony"
	PhaseService   Phase = "service"
)

// Phases lists every phase in execution order.
var Phases = []Phase{PhaseIdentity, PhaseReadiness, PhaseExchange, PhaseCeremony, PhaseService}

// Status is the outcome of a phase.
type Status string

const (
	StatusStarted Status = "started"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Record is one journal entry.
type Record struct {
	Run    uuid.UUID `json:"run"`
	Phase  Phase     `json:"phase"`
	Status Status    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

func (r Record) String() string {
	s := fmt.Sprintf("%-10s %-8s %s", r.Phase, r.Status, r.At.Format(time.RFC3339))
	if r.Detail != "" {
		s += " " + r.Detail
	}
	return s
}

// Journal is a bbolt backed phase log.
//
//nolint:gocritic // the mutex guards run
type Journal struct {
	sync.Mutex
	db    *bolt.DB
	run   uuid.UUID
	clock clockwork.Clock
	l     log.Logger
}

// Open opens or creates the journal in folder. readOnly opens it for
// inspection while a node may be holding it; it fails if the file is absent.
func Open(folder string, readOnly bool, clock clockwork.Clock, l log.Logger) (*Journal, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	opts := &bolt.Options{Timeout: time.Second, ReadOnly: readOnly}
	db, err := bolt.Open(filepath.Join(folder, FileName), OpenPerm, opts)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if !readOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, b := range [][]byte{runsBucket, latestBucket, eventsBucket} {
				if _, err := tx.CreateBucketIfNotExists(b); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating journal buckets: %w", err)
		}
	}
	return &Journal{db: db, clock: clock, l: l.Named("journal")}, nil
}

// Begin starts a new run. Records written afterwards belong to it.
func (j *Journal) Begin() (uuid.UUID, error) {
	j.Lock()
	defer j.Unlock()
	id := uuid.New()
	at, err := j.clock.Now().UTC().MarshalBinary()
	if err != nil {
		return uuid.Nil, err
	}
	err = j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Put(id[:], at)
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("recording run: %w", err)
	}
	j.run = id
	j.l.Debugw("run started", "run", id.String())
	return id, nil
}

// Run returns the current run id, uuid.Nil before Begin.
func (j *Journal) Run() uuid.UUID {
	j.Lock()
	defer j.Unlock()
	return j.run
}

// Record appends an entry for phase to the current run and makes it the
// latest status of that phase.
func (j *Journal) Record(phase Phase, status Status, detail string) error {
	j.Lock()
	defer j.Unlock()
	if j.run == uuid.Nil {
		return errors.New("journal: no run started")
	}
	rec := Record{Run: j.run, Phase: phase, Status: status, Detail: detail, At: j.clock.Now().UTC()}
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(eventsBucket)
		seq, err := events.NextSequence()
		if err != nil {
			return err
		}
		if err := events.Put(eventKey(j.run, seq), value); err != nil {
			return err
		}
		return tx.Bucket(latestBucket).Put([]byte(phase), value)
	})
}

// Track records phase as started, runs fn and records its outcome.
func (j *Journal) Track(phase Phase, fn func() (string, error)) error {
	if err := j.Record(phase, StatusStarted, ""); err != nil {
		j.l.Warnw("could not record phase start", "phase", phase, "err", err)
	}
	detail, err := fn()
	status := StatusDone
	if err != nil {
		status, detail = StatusFailed, err.Error()
	}
	if rerr := j.Record(phase, status, detail); rerr != nil {
		j.l.Warnw("could not record phase outcome", "phase", phase, "err", rerr)
	}
	return err
}

// Latest returns the last record of every phase seen so far, in execution
// order.
func (j *Journal) Latest() ([]Record, error) {
	var out []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(latestBucket)
		if b == nil {
			return nil
		}
		for _, p := range Phases {
			v := b.Get([]byte(p))
			if v == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding %s: %w", p, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// History returns every record of run in the order they were written.
func (j *Journal) History(run uuid.UUID) ([]Record, error) {
	var out []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(run[:]); k != nil && len(k) == 24 && uuid.UUID(k[:16]) == run; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Runs returns the number of runs recorded.
func (j *Journal) Runs() (int, error) {
	n := 0
	err := j.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(runsBucket); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

func (j *Journal) Close() error {
	err := j.db.Close()
	if err != nil {
		j.l.Errorw("closing journal", "err", err)
	}
	return err
}

func eventKey(run uuid.UUID, seq uint64) []byte {
	k := make([]byte, 24)
	copy(k, run[:])
	binary.BigEndian.PutUint64(k[16:], seq)
	return k
}
