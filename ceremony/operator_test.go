package ceremony

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dvsetup/dvsetup/artifact"
	"github.com/dvsetup/dvsetup/common"
	"github.com/dvsetup/dvsetup/common/testlogger"
	"github.com/dvsetup/dvsetup/docker"
	"github.com/dvsetup/dvsetup/docker/dockertest"
)

const (
	testENR     = "enr:-JG4QH4aFakeRecordForTests"
	peerENR1    = "enr:-JG4QPeerOne"
	peerENR2    = "enr:-JG4QPeerTwo"
	definition  = `{"name":"test","num_validators":1}`
	lockContent = `{"lock_hash":"0x01"}`
)

var testParams = Params{
	Name:           "test",
	ValidatorCount: 1,
	FeeRecipient:   "0x000000000000000000000000000000000000dEaD",
	Withdrawal:     "0x000000000000000000000000000000000000dEaD",
}

// writeInto returns an effect writing content at the artifact path the
// container sees through its bind mount.
func writeInto(k artifact.Kind, content string) func(docker.Spec) error {
	return func(spec docker.Spec) error {
		host := strings.SplitN(spec.Binds[0], ":", 2)[0]
		store, err := artifact.NewFileStore(host)
		if err != nil {
			return err
		}
		return store.Write(k, []byte(content))
	}
}

func newFake() *dockertest.Fake {
	return dockertest.New().
		On("create enr", dockertest.Behavior{
			Stdout: "INFO created key\n" + testENR + "\n",
			Effect: writeInto(artifact.IdentityKey, "secret"),
		}).
		On("create dkg", dockertest.Behavior{Effect: writeInto(artifact.ConfigDefinition, definition)}).
		On("dkg --publish", dockertest.Behavior{Effect: writeInto(artifact.CeremonyLock, lockContent)})
}

type fakeService struct {
	up  int
	id  string
	err error
}

func (f *fakeService) Up(context.Context) error {
	f.up++
	return f.err
}

func (f *fakeService) ContainerID(_ context.Context, service string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.id + "-" + service, nil
}

func newOperator(t *testing.T, rt docker.Runtime, opts Options) (*Operator, *artifact.FileStore) {
	t.Helper()
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	if opts.Service == nil {
		opts.Service = &fakeService{id: "abc"}
	}
	op, err := NewOperator(context.Background(), rt, store, opts, testlogger.New(t))
	require.NoError(t, err)
	return op, store
}

func TestIdentityGeneration(t *testing.T) {
	rt := newFake()
	op, store := newOperator(t, rt, Options{})

	require.Equal(t, testENR, op.Identity())
	pub, err := store.Read(artifact.IdentityPublic)
	require.NoError(t, err)
	require.Equal(t, testENR, string(pub))

	created := rt.Created()
	require.Len(t, created, 1)
	require.Equal(t, []string{"create", "enr"}, created[0].Cmd)
	require.Equal(t, DefaultImage, created[0].Image)
	require.Equal(t, []string{store.Root() + ":" + MountPoint}, created[0].Binds)
	require.Equal(t, 0, rt.Live())

	// the key exists now, a second operator reads it back without a container
	again, err := NewOperator(context.Background(), rt, store, Options{Service: &fakeService{}}, testlogger.New(t))
	require.NoError(t, err)
	require.Equal(t, testENR, again.Identity())
	require.Len(t, rt.Created(), 1)
}

func TestIdentityGenerationNoMatch(t *testing.T) {
	rt := dockertest.New().On("create enr", dockertest.Behavior{
		Stdout: "nothing useful\n",
		Stderr: "enr:-printed-on-stderr\n",
	})
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = NewOperator(context.Background(), rt, store, Options{Service: &fakeService{}}, testlogger.New(t))
	require.ErrorIs(t, err, common.ErrIdentityGenerationFailed)
	require.Len(t, rt.Created(), 1)
	require.Len(t, rt.Removed(), 1)
	require.Equal(t, 0, rt.Live())

	exists, err := store.Exists(artifact.IdentityPublic)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestIdentityCreateFailure(t *testing.T) {
	rt := dockertest.New().On("create enr", dockertest.Behavior{CreateErr: errors.New("daemon down")})
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = NewOperator(context.Background(), rt, store, Options{Service: &fakeService{}}, testlogger.New(t))
	require.ErrorIs(t, err, common.ErrIdentityGenerationFailed)
	require.Empty(t, rt.Removed())
}

func TestAuthorConfigIdempotent(t *testing.T) {
	rt := newFake()
	op, _ := newOperator(t, rt, Options{Image: "charon:test"})

	cfg, err := op.AuthorConfig(context.Background(), []string{peerENR1, peerENR2}, testParams)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Participants)
	require.Equal(t, []string{testENR, peerENR1, peerENR2}, cfg.Identities)

	created := rt.Created()
	require.Len(t, created, 2)
	cmd := created[1].Cmd
	require.Equal(t, "charon:test", created[1].Image)
	require.Equal(t, []string{"create", "dkg", "--name", "test", "--num-validators", "1"}, cmd[:6])
	require.Equal(t, "--operator-enrs", cmd[len(cmd)-2])
	require.Equal(t, testENR+","+peerENR1+","+peerENR2, cmd[len(cmd)-1])
	require.NotContains(t, cmd, "--network")

	first, err := op.FetchConfig()
	require.NoError(t, err)

	_, err = op.AuthorConfig(context.Background(), []string{peerENR1, peerENR2}, testParams)
	require.NoError(t, err)
	require.Len(t, rt.Created(), 2, "second authoring must not run a container")

	second, err := op.FetchConfig()
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 0, rt.Live())
}

func TestAuthorConfigNetwork(t *testing.T) {
	rt := newFake()
	op, _ := newOperator(t, rt, Options{})

	p := testParams
	p.Network = "holesky"
	_, err := op.AuthorConfig(context.Background(), nil, p)
	require.NoError(t, err)
	cmd := rt.Created()[1].Cmd
	require.Contains(t, strings.Join(cmd, " "), "--network holesky")
	require.Equal(t, testENR, cmd[len(cmd)-1])
}

func TestAuthorConfigOpaqueIdentities(t *testing.T) {
	rt := newFake()
	op, _ := newOperator(t, rt, Options{})

	cfg, err := op.AuthorConfig(context.Background(), []string{"a", "b"}, testParams)
	require.NoError(t, err)
	require.Equal(t, []string{testENR, "a", "b"}, cfg.Identities)
	cmd := rt.Created()[1].Cmd
	require.Equal(t, testENR+",a,b", cmd[len(cmd)-1])
}

func TestAuthorConfigExistingSkipsChecks(t *testing.T) {
	rt := newFake()
	op, store := newOperator(t, rt, Options{})
	require.NoError(t, store.Write(artifact.ConfigDefinition, []byte(definition)))

	p := testParams
	p.ValidatorCount = 0
	_, err := op.AuthorConfig(context.Background(), []string{"a"}, p)
	require.NoError(t, err)
	require.Len(t, rt.Created(), 1)
}

func TestAuthorConfigFailures(t *testing.T) {
	t.Run("exit code", func(t *testing.T) {
		rt := newFake().On("create dkg", dockertest.Behavior{ExitCode: 1})
		op, _ := newOperator(t, rt, Options{})
		_, err := op.AuthorConfig(context.Background(), []string{peerENR1}, testParams)
		require.ErrorIs(t, err, common.ErrConfigAuthoringFailed)
		var exit *docker.ExitError
		require.ErrorAs(t, err, &exit)
		require.Equal(t, 0, rt.Live())
	})
	t.Run("no file written", func(t *testing.T) {
		rt := newFake().On("create dkg", dockertest.Behavior{})
		op, _ := newOperator(t, rt, Options{})
		_, err := op.AuthorConfig(context.Background(), []string{peerENR1}, testParams)
		require.ErrorIs(t, err, common.ErrConfigAuthoringFailed)
	})
	t.Run("invalid params", func(t *testing.T) {
		rt := newFake()
		op, _ := newOperator(t, rt, Options{})
		p := testParams
		p.ValidatorCount = 0
		_, err := op.AuthorConfig(context.Background(), []string{peerENR1}, p)
		require.ErrorIs(t, err, common.ErrConfigAuthoringFailed)
		require.Len(t, rt.Created(), 1)
	})
}

func TestAdoptConfigOverwrites(t *testing.T) {
	rt := newFake()
	op, store := newOperator(t, rt, Options{})

	require.NoError(t, store.Write(artifact.ConfigDefinition, []byte("old")))
	require.NoError(t, op.AdoptConfig([]byte(definition)))
	b, err := op.FetchConfig()
	require.NoError(t, err)
	require.Equal(t, definition, string(b))
}

func TestRunCeremony(t *testing.T) {
	rt := newFake()
	op, store := newOperator(t, rt, Options{})
	require.NoError(t, op.AdoptConfig([]byte(definition)))

	// authoring and adopting never touch the lock
	exists, err := store.Exists(artifact.CeremonyLock)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, op.RunCeremony(context.Background()))
	created := rt.Created()
	require.Len(t, created, 2)
	require.Equal(t, []string{"dkg", "--publish"}, created[1].Cmd)

	lock, err := store.Read(artifact.CeremonyLock)
	require.NoError(t, err)
	require.Equal(t, lockContent, string(lock))
	require.Equal(t, 0, rt.Live())

	require.NoError(t, op.RunCeremony(context.Background()))
	require.Len(t, rt.Created(), 2)
}

func TestRunCeremonyExistingLock(t *testing.T) {
	rt := newFake()
	op, store := newOperator(t, rt, Options{})
	require.NoError(t, os.MkdirAll(filepath.Dir(store.Path(artifact.CeremonyLock)), 0o755))
	require.NoError(t, store.Write(artifact.CeremonyLock, []byte(lockContent)))

	before := len(rt.Created())
	require.NoError(t, op.RunCeremony(context.Background()))
	require.Len(t, rt.Created(), before)
}

func TestRunCeremonyFailure(t *testing.T) {
	rt := newFake().On("dkg --publish", dockertest.Behavior{Stderr: "peers unreachable\n"})
	op, _ := newOperator(t, rt, Options{})
	require.NoError(t, op.AdoptConfig([]byte(definition)))

	err := op.RunCeremony(context.Background())
	require.ErrorIs(t, err, common.ErrCeremonyFailed)
	require.Equal(t, 0, rt.Live())
}

func TestStartService(t *testing.T) {
	svc := &fakeService{id: "4f2a"}
	op, _ := newOperator(t, newFake(), Options{Service: svc, ServiceName: "node"})

	id, err := op.StartService(context.Background())
	require.NoError(t, err)
	require.Equal(t, "4f2a-node", id)
	require.Equal(t, 1, svc.up)

	svc.err = errors.New("compose missing")
	_, err = op.StartService(context.Background())
	require.Error(t, err)
}
