package convert

import "strings"

// maxLineBytes caps a single buffered line; longer runs are emitted in pieces.
const maxLineBytes = 64 * 1024

// lineWriter splits a byte stream into lines on \n or \r. Progress meters
// redraw with \r, so each redraw becomes its own line.
type lineWriter struct {
	buf  []byte
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' || b == '\r' {
			w.flushLine()
			continue
		}
		w.buf = append(w.buf, b)
		if len(w.buf) >= maxLineBytes {
			w.flushLine()
		}
	}
	return len(p), nil
}

// Close emits a trailing line that had no terminator.
func (w *lineWriter) Close() error {
	w.flushLine()
	return nil
}

func (w *lineWriter) flushLine() {
	if len(w.buf) == 0 {
		return
	}
	line := strings.TrimRight(string(w.buf), " \t")
	w.buf = w.buf[:0]
	if line != "" {
		w.emit(line)
	}
}

// tail keeps the last n lines for failure reasons.
type tail struct {
	n     int
	lines []string
}

func (t *tail) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) String() string {
	return strings.Join(t.lines, " | ")
}
