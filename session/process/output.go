package process

import (
	"io"
	"sync"
)

// outputWriter fans process output out to any number of writers and keeps the last few KB,
// so that a crash can be reported with whatever the tool printed before dying.
// Writers may be added while the process is running.
type outputWriter struct {
	m       sync.Mutex
	writers []io.Writer
	tail    []byte
	max     int
}

func newOutputWriter(max int, writers ...io.Writer) *outputWriter {
	return &outputWriter{
		writers: writers,
		max:     max,
	}
}

func (o *outputWriter) Add(w io.Writer) {
	o.m.Lock()
	defer o.m.Unlock()
	o.writers = append(o.writers, w)
}

func (o *outputWriter) Write(p []byte) (int, error) {
	o.m.Lock()
	defer o.m.Unlock()

	o.tail = append(o.tail, p...)
	if over := len(o.tail) - o.max; over > 0 {
		o.tail = append(o.tail[:0], o.tail[over:]...)
	}

	// a broken sink must not stall the tool, so write errors are swallowed
	for _, w := range o.writers {
		_, _ = w.Write(p)
	}
	return len(p), nil
}

// Tail returns a copy of the most recent output.
func (o *outputWriter) Tail() string {
	o.m.Lock()
	defer o.m.Unlock()
	return string(o.tail)
}
