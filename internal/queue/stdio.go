package queue

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"time"
)

const defaultMaxLineBytes = 1 << 20

// stdioConsumer turns each non-blank input line into a message on an unnamed
// topic. It is meant for piping pool-command output into a local ledger.
type stdioConsumer struct {
	out  chan Message
	errs chan error

	stop context.CancelFunc
	once sync.Once
}

func newStdioConsumer(parent context.Context, r io.Reader, maxLine int) Consumer {
	if r == nil {
		r = os.Stdin
	}
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}

	ctx, stop := context.WithCancel(parent)
	c := &stdioConsumer{
		out:  make(chan Message, 64),
		errs: make(chan error, 1),
		stop: stop,
	}
	go c.scan(ctx, r, maxLine)
	return c
}

func (c *stdioConsumer) scan(ctx context.Context, r io.Reader, maxLine int) {
	defer close(c.out)
	defer close(c.errs)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msg := Message{Value: append([]byte(nil), line...), Timestamp: time.Now().UTC()}
		select {
		case c.out <- msg:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case c.errs <- err:
		case <-ctx.Done():
		}
	}
}

func (c *stdioConsumer) Messages() <-chan Message { return c.out }
func (c *stdioConsumer) Errors() <-chan error     { return c.errs }

func (c *stdioConsumer) Close() error {
	c.once.Do(c.stop)
	return nil
}

// stdioProducer writes one value per line. Topic and key are not written.
type stdioProducer struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdioProducer(w io.Writer) Producer {
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

func (p *stdioProducer) Publish(_ context.Context, rec Record) error {
	line := make([]byte, 0, len(rec.Value)+1)
	line = append(line, bytes.TrimRight(rec.Value, "\n")...)
	line = append(line, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.w.Write(line)
	return err
}

func (p *stdioProducer) Close() error { return nil }
