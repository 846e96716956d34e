package log

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLoggerLevels(t *testing.T) {
	type logTest struct {
		with       []interface{}
		level      int
		allowedLvl int
		msg        string
		out        []string
	}

	w := func(kv ...interface{}) []interface{} {
		return kv
	}
	o := func(outs ...string) []string {
		return outs
	}
	var tests = []logTest{
		{nil, InfoLevel, InfoLevel, "hello", o("hello")},
		{nil, DebugLevel, InfoLevel, "hello", nil},
		{nil, ErrorLevel, DebugLevel, "hello", o("hello")},
		{nil, WarnLevel, ErrorLevel, "hello", nil},
		{nil, WarnLevel, DebugLevel, "hello", o("hello")},
		{w("enr", "enr:-abc"), WarnLevel, InfoLevel, "hello", o("enr", "enr:-abc", "hello")},
	}

	for i, test := range tests {
		t.Logf(" -- test %d -- \n", i)

		var b bytes.Buffer
		writer := bufio.NewWriter(&b)
		syncer := zapcore.AddSync(writer)

		logger := New(syncer, test.allowedLvl, true)
		if test.with != nil {
			logger = logger.With(test.with...)
		}

		var logging func(string, ...interface{})
		switch test.level {
		case InfoLevel:
			logging = logger.Infow
		case DebugLevel:
			logging = logger.Debugw
		case WarnLevel:
			logging = logger.Warnw
		case ErrorLevel:
			logging = logger.Errorw
		default:
			t.FailNow()
		}

		logging(test.msg)
		writer.Flush()

		if test.out != nil {
			requireContains(t, &b, test.out, true)
		} else {
			requireContains(t, &b, nil, false)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]int{
		"":        InfoLevel,
		"info":    InfoLevel,
		"DEBUG":   DebugLevel,
		" warn ":  WarnLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestContextLogger(t *testing.T) {
	var b bytes.Buffer
	writer := bufio.NewWriter(&b)
	l := New(zapcore.AddSync(writer), InfoLevel, true).Named("ctx")

	ctx := ToContext(context.Background(), l)
	FromContextOrDefault(ctx).Infow("from context")
	writer.Flush()

	require.Contains(t, b.String(), "from context")
	require.Contains(t, b.String(), "ctx")
	require.NotNil(t, FromContextOrDefault(context.Background()))
}

func requireContains(t *testing.T, r io.Reader, outs []string, present bool) {
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	if !present {
		require.Equal(t, string(out), "")
		return
	}
	for _, o := range outs {
		require.Contains(t, string(out), o)
	}
	require.NotContains(t, string(out), "Ignored key without a value.")
}
