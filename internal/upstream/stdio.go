// ABOUTME: Stdio upstream session: child process speaking line-delimited JSON-RPC
// ABOUTME: One reader goroutine demultiplexes responses to waiters by request id

package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/mcp-router/internal/jsonrpc"
)

// maxLineBytes bounds a single response line from a child process.
const maxLineBytes = 16 << 20

// StdioSession runs an upstream as a child process and frames JSON-RPC as
// newline-delimited JSON over its stdin/stdout.
type StdioSession struct {
	name  string
	cmd   *exec.Cmd
	stdin io.WriteCloser

	// writeMu serializes request frames onto the child's stdin.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan jsonrpc.Response
	dead    bool

	// done is closed when the reader loop exits; every waiter observes it.
	done   chan struct{}
	logger *slog.Logger
}

// NewStdioSession spawns the child process and starts its reader loop.
// Returns ErrUnavailable if the process cannot start.
func NewStdioSession(name, command string, args []string) (*StdioSession, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrUnavailable, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", ErrUnavailable, command, err)
	}

	s := &StdioSession{
		name:    name,
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[string]chan jsonrpc.Response),
		done:    make(chan struct{}),
		logger:  slog.Default().With("component", "upstream", "upstream", name),
	}

	go s.run(stdout)

	return s, nil
}

// run reads response lines until the child's stdout closes, then reaps the
// process and wakes every outstanding waiter in one sweep.
func (s *StdioSession) run(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp jsonrpc.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			s.logger.Warn("discarding unparseable line from upstream", "error", err)
			continue
		}
		s.deliver(resp)
	}

	err := s.cmd.Wait()

	s.mu.Lock()
	s.dead = true
	outstanding := len(s.pending)
	s.mu.Unlock()

	if outstanding > 0 || err != nil {
		s.logger.Warn("upstream process exited",
			"error", err,
			"outstanding_calls", outstanding,
		)
	}

	close(s.done)
}

// deliver routes a response to its waiter. Responses with unknown ids are
// logged and discarded.
func (s *StdioSession) deliver(resp jsonrpc.Response) {
	var id string
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		s.logger.Warn("response with non-string id", "id", string(resp.ID))
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("response for unknown request", "request_id", id)
		return
	}
	ch <- resp
}

func (s *StdioSession) unregister(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Call sends one request and waits for the correlated response. Fails with
// ErrTimeout when ctx's deadline passes and ErrCrashed when the process
// exits with the call outstanding.
func (s *StdioSession) Call(ctx context.Context, method string, params any) (jsonrpc.Response, error) {
	id := uuid.New().String()
	rawID, _ := json.Marshal(id)

	req, err := jsonrpc.NewRequest(rawID, method, params)
	if err != nil {
		return jsonrpc.Response{}, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return jsonrpc.Response{}, fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan jsonrpc.Response, 1)
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return jsonrpc.Response{}, ErrCrashed
	}
	s.pending[id] = ch
	s.mu.Unlock()
	defer s.unregister(id)

	s.writeMu.Lock()
	_, werr := s.stdin.Write(append(payload, '\n'))
	s.writeMu.Unlock()
	if werr != nil {
		return jsonrpc.Response{}, fmt.Errorf("%w: writing request: %v", ErrCrashed, werr)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-s.done:
		// The response may have been delivered just before the sweep.
		select {
		case resp := <-ch:
			return resp, nil
		default:
			return jsonrpc.Response{}, ErrCrashed
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return jsonrpc.Response{}, fmt.Errorf("%w: %s", ErrTimeout, method)
		}
		return jsonrpc.Response{}, ctx.Err()
	}
}

// OpenStream is unsupported for stdio upstreams.
func (s *StdioSession) OpenStream(_ context.Context, _ url.Values) (<-chan StreamEvent, error) {
	return nil, ErrStreamUnsupported
}

// Alive reports whether the child process is still running.
func (s *StdioSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead
}

// Close terminates the child process. Outstanding waiters are failed by the
// reader loop's sweep.
func (s *StdioSession) Close() error {
	s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	<-s.done
	return nil
}
