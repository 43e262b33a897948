package conn

import (
	"context"
	"errors"
	"sync"

	"github.com/workspace/livesync/internal/transport"
)

var (
	errRefused    = errors.New("connection refused")
	errSocketDown = errors.New("socket closed")
)

type fakeSocket struct {
	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbox:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.inbox:
		return data, nil
	case <-s.closed:
		return nil, errSocketDown
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	select {
	case <-s.closed:
		return errSocketDown
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.written))
	for i, w := range s.written {
		out[i] = string(w)
	}
	return out
}

type fakeDialer struct {
	mu      sync.Mutex
	fail    bool
	gate    chan struct{}
	dials   int
	done    int
	sockets []*fakeSocket
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (transport.Socket, error) {
	defer func() {
		d.mu.Lock()
		d.done++
		d.mu.Unlock()
	}()

	d.mu.Lock()
	d.dials++
	fail := d.fail
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errRefused
	}

	s := newFakeSocket()
	d.mu.Lock()
	d.sockets = append(d.sockets, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) returned() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

func (d *fakeDialer) socketCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[i]
}
