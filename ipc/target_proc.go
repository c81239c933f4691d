package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

// procTarget is the Worker Target: a child OS process whose stdin/stdout
// carry newline-delimited JSON frames. Grounded on
// agent/process/server.go's readFirstMessageAndStart, adapted from piping an
// arbitrary command's stdio to framing this module's own RPC protocol on it.
type procTarget struct {
	log *zap.SugaredLogger
	cmd *exec.Cmd

	stdin  io.WriteCloser
	stdout *bufio.Scanner

	writeMu sync.Mutex
	closeMu sync.Once
}

// SpawnWorker starts bin as a child process and frames a Target over its
// stdio. args/env/wd mirror the teacher's StartProcRequest shape.
func SpawnWorker(ctx context.Context, log *zap.SugaredLogger, bin string, args, env []string, wd string) (Target, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = wd
	if len(env) > 0 {
		cmd.Env = env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("wiring worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("wiring worker stdout: %w", err)
	}
	cmd.Stderr = nil // inherited from the log sink by the caller if desired

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker %q: %w", bin, err)
	}

	return &procTarget{
		log:    log,
		cmd:    cmd,
		stdin:  stdin,
		stdout: scanner,
	}, nil
}

func (t *procTarget) Send(_ context.Context, f Frame, _ ...Transferable) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = t.stdin.Write(b)
	return err
}

func (t *procTarget) Recv(ctx context.Context) (Frame, error) {
	type result struct {
		f   Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		if !t.stdout.Scan() {
			err := t.stdout.Err()
			if err == nil {
				err = fmt.Errorf("%w: worker stdout closed", ErrChannelClosedPrematurely)
			}
			ch <- result{err: err}
			return
		}
		var f Frame
		if err := json.Unmarshal(t.stdout.Bytes(), &f); err != nil {
			ch <- result{err: fmt.Errorf("%w: %s", ErrProtocolViolation, err)}
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

func (t *procTarget) Close() error {
	var err error
	t.closeMu.Do(func() {
		err = t.stdin.Close()
	})
	return err
}

// Terminate kills the worker process outright, per spec.md §4.D's exit
// contract for ports that support termination.
func (t *procTarget) Terminate() error {
	if t.cmd.Process == nil {
		return nil
	}
	return t.cmd.Process.Kill()
}
