package session

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var exitCodePattern = regexp.MustCompile(`^-?\d+$`)

// match is a completed sentinel: the text written before it and the exit
// code it carried.
type match struct {
	text string
	code int
}

// watch waits for one "TOKEN:<code>\n" line.
type watch struct {
	marker   []byte
	scanFrom int
	found    chan match
}

// stream accumulates one output stream of a shell and resolves the armed
// watch as soon as its sentinel line is complete. Scanning is incremental:
// each Write only looks at bytes not already ruled out.
//
// Output that arrives while no watch is armed belongs to no command and is
// dropped.
type stream struct {
	mu  sync.Mutex
	buf []byte
	w   *watch
}

// Write implements io.Writer for exec.Cmd.Stdout/Stderr.
func (s *stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		return len(p), nil
	}
	s.buf = append(s.buf, p...)
	s.scan()
	return len(p), nil
}

// scan looks for the watch marker followed by an exit code and a newline.
// The caller must hold the mutex.
func (s *stream) scan() {
	w := s.w
	for {
		i := bytes.Index(s.buf[w.scanFrom:], w.marker)
		if i < 0 {
			// A marker may be split across writes; rescan only its possible tail.
			if n := len(s.buf) - len(w.marker) + 1; n > w.scanFrom {
				w.scanFrom = n
			}
			return
		}

		at := w.scanFrom + i
		rest := s.buf[at+len(w.marker):]
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			w.scanFrom = at
			return
		}

		digits := string(bytes.TrimSuffix(rest[:nl], []byte("\r")))
		if !exitCodePattern.MatchString(digits) {
			w.scanFrom = at + len(w.marker)
			continue
		}
		code, err := strconv.Atoi(digits)
		if err != nil {
			w.scanFrom = at + len(w.marker)
			continue
		}

		text := trimOutput(s.buf[:at])
		s.w = nil
		s.buf = nil
		w.found <- match{text: text, code: code}
		return
	}
}

// arm starts a new invocation: previously buffered bytes are discarded and
// the returned watch resolves on the first "token:<code>\n".
func (s *stream) arm(token string) *watch {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &watch{
		marker: []byte(token + ":"),
		found:  make(chan match, 1),
	}
	s.w = w
	s.buf = s.buf[:0]
	return w
}

// disarm abandons the current watch and returns what was captured for it.
func (s *stream) disarm() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	text := trimOutput(s.buf)
	s.w = nil
	s.buf = nil
	return text
}

func trimOutput(b []byte) string {
	return strings.TrimRight(string(b), " \t\r\n")
}
