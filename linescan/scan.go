// Package linescan finds values in line oriented output such as container
// logs.
package linescan

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// ErrNoMatch is returned when the stream ends without a matching line.
var ErrNoMatch = errors.New("no matching line")

// MaxLineSize bounds a single line. Identity records are a few hundred bytes.
const MaxLineSize = 1 << 20

// Match decides whether a line, stripped of its line ending, is the value
// being looked for.
type Match func(line string) bool

// HasPrefix matches lines starting with prefix.
func HasPrefix(prefix string) Match {
	return func(line string) bool {
		return strings.HasPrefix(line, prefix)
	}
}

// First reads r line by line and returns the first line accepted by match.
// Reading stops at the first match; when r is an io.Closer it is closed
// before returning, whatever the outcome.
func First(r io.Reader, match Match) (string, error) {
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxLineSize)
	sc.Split(scanLines)
	for sc.Scan() {
		line := sc.Text()
		if match(line) {
			return line, nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", ErrNoMatch
}

// scanLines is bufio.ScanLines that also treats a lone '\r' as a line end,
// progress bars in container output use it.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		adv := i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			adv++
		} else if data[i] == '\r' && i+1 == len(data) && !atEOF {
			// need more data to know whether a '\n' follows
			return 0, nil, nil
		}
		return adv, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
