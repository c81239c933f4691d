package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
)

// pipeTarget frames a Target over an in-memory net.Conn (typically one half
// of a net.Pipe). This backs "adopt an existing port" starts (spec.md §4.D)
// where the child is already a same-process port rather than a spawned
// Worker or a remote websocket -- the teacher has no direct analogue for
// this since clustertest nodes are always out-of-process.
type pipeTarget struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewPipeTarget wraps conn (one half of net.Pipe, or any net.Conn) as a Target.
func NewPipeTarget(conn net.Conn) Target {
	return &pipeTarget{conn: conn, enc: json.NewEncoder(conn), dec: json.NewDecoder(conn)}
}

// NewLocalChannelPair returns two Targets wired together in-memory, the
// building block for adopting a same-process child (e.g. a same-binary
// worker started via goroutine rather than exec.Cmd).
func NewLocalChannelPair() (Target, Target) {
	a, b := net.Pipe()
	return NewPipeTarget(a), NewPipeTarget(b)
}

func (t *pipeTarget) Send(_ context.Context, f Frame, _ ...Transferable) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.enc.Encode(&f)
}

func (t *pipeTarget) Recv(ctx context.Context) (Frame, error) {
	type result struct {
		f   Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var f Frame
		err := t.dec.Decode(&f)
		if err != nil {
			ch <- result{err: fmt.Errorf("%w: %s", ErrChannelClosedPrematurely, err)}
			return
		}
		ch <- result{f: f}
	}()
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case r := <-ch:
		return r.f, r.err
	}
}

func (t *pipeTarget) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
	})
	return err
}

// stdioTarget frames a Target over a pair of io.Reader/io.Writer that
// aren't a net.Conn -- a spawned Worker's own stdin/stdout, the reverse
// side of what procTarget speaks. Grounded on procTarget's newline-JSON
// wire shape, adapted to the child's perspective.
type stdioTarget struct {
	r   io.Reader
	wc  io.WriteCloser
	enc *json.Encoder
	dec *json.Decoder

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewStdioTarget wraps a worker binary's own stdin/stdout as a Target,
// matching the newline-JSON framing procTarget expects on the host side
// of a spawn.Local child.
func NewStdioTarget(in io.Reader, out io.WriteCloser) Target {
	return &stdioTarget{r: in, wc: out, enc: json.NewEncoder(out), dec: json.NewDecoder(in)}
}

func (t *stdioTarget) Send(_ context.Context, f Frame, _ ...Transferable) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.enc.Encode(&f)
}

func (t *stdioTarget) Recv(ctx context.Context) (Frame, error) {
	type result struct {
		f   Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var f Frame
		if err := t.dec.Decode(&f); err != nil {
			ch <- result{err: fmt.Errorf("%w: %s", ErrChannelClosedPrematurely, err)}
			return
		}
		ch <- result{f: f}
	}()
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case r := <-ch:
		return r.f, r.err
	}
}

func (t *stdioTarget) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.wc.Close()
	})
	return err
}
