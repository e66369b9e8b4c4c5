package process

import (
	"bytes"
	"strings"
	"sync"
)

// tailBuffer keeps the last max lines written to it.
type tailBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial bytes.Buffer
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = DefaultTailLines
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rest := p
	for len(rest) > 0 {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			t.partial.Write(rest)
			break
		}
		t.partial.Write(rest[:i])
		t.push(strings.TrimRight(t.partial.String(), "\r"))
		t.partial.Reset()
		rest = rest[i+1:]
	}
	return len(p), nil
}

func (t *tailBuffer) push(line string) {
	t.lines = append(t.lines, line)
	if over := len(t.lines) - t.max; over > 0 {
		t.lines = append(t.lines[:0], t.lines[over:]...)
	}
}

// Lines returns the retained lines, including an unterminated final line.
func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.lines)+1)
	out = append(out, t.lines...)
	if t.partial.Len() > 0 {
		out = append(out, t.partial.String())
	}
	if over := len(out) - t.max; over > 0 {
		out = out[over:]
	}
	return out
}
