package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/workspace/livesync/internal/config"
	"github.com/workspace/livesync/internal/transport"
)

var errRefused = errors.New("connection refused")

type fakeSocket struct {
	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []string
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbox: make(chan []byte, 128), closed: make(chan struct{})}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.inbox:
		return data, nil
	case <-s.closed:
		return nil, errors.New("socket closed")
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, string(data))
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
	return append([]string(nil), s.written...)
}

// fakeDialer hands out fake sockets keyed by url.
type fakeDialer struct {
	mu      sync.Mutex
	fail    bool
	dials   map[string]int
	sockets map[string][]*fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: map[string]int{}, sockets: map[string][]*fakeSocket{}}
}

func (d *fakeDialer) Dial(_ context.Context, url string) (transport.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[url]++
	if d.fail {
		return nil, errRefused
	}
	s := newFakeSocket()
	d.sockets[url] = append(d.sockets[url], s)
	return s, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDialer) dialCount(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[url]
}

func (d *fakeDialer) latest(url string) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.sockets[url]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type fakeSaver struct {
	saved []config.Settings
	err   error
}

func (s *fakeSaver) SaveSettings(settings config.Settings) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, settings)
	return nil
}
