package linescan

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type trackingReader struct {
	io.Reader
	closed bool
	read   int
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.Reader.Read(p)
	t.read += n
	return n, err
}

func (t *trackingReader) Close() error {
	t.closed = true
	return nil
}

func TestFirstMatch(t *testing.T) {
	out := strings.Join([]string{
		"Created ENR private key: .charon/charon-enr-private-key",
		"enr:-JG4QAAA",
		"enr:-JG4QBBB",
	}, "\n")

	got, err := First(strings.NewReader(out), HasPrefix("enr:-"))
	require.NoError(t, err)
	require.Equal(t, "enr:-JG4QAAA", got)
}

func TestFirstMatchWithoutTrailingNewline(t *testing.T) {
	got, err := First(strings.NewReader("noise\nenr:-last"), HasPrefix("enr:-"))
	require.NoError(t, err)
	require.Equal(t, "enr:-last", got)
}

func TestCarriageReturns(t *testing.T) {
	got, err := First(strings.NewReader("progress 10%\rprogress 100%\r\nenr:-x\r\n"), HasPrefix("enr:-"))
	require.NoError(t, err)
	require.Equal(t, "enr:-x", got)
}

func TestNoMatchClosesStream(t *testing.T) {
	r := &trackingReader{Reader: strings.NewReader("one\ntwo\n")}
	_, err := First(r, HasPrefix("enr:-"))
	require.ErrorIs(t, err, ErrNoMatch)
	require.True(t, r.closed)
}

func TestStopsAtFirstMatch(t *testing.T) {
	// a stream that would never end if fully drained
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("enr:-first\n"))
		_, _ = pw.Write([]byte("more\n"))
	}()

	got, err := First(pr, HasPrefix("enr:-"))
	require.NoError(t, err)
	require.Equal(t, "enr:-first", got)

	// First closed the reader, so the pending writer fails
	_, err = pw.Write([]byte("x"))
	require.True(t, errors.Is(err, io.ErrClosedPipe))
}

func TestReaderError(t *testing.T) {
	boom := errors.New("boom")
	r := io.MultiReader(strings.NewReader("a\n"), &failingReader{err: boom})
	_, err := First(r, HasPrefix("enr:-"))
	require.ErrorIs(t, err, boom)
}

type failingReader struct{ err error }

func (f *failingReader) Read([]byte) (int, error) { return 0, f.err }
