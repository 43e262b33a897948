// Package registry owns every open channel. Callers acquire a channel by id
// and release it when done; the channel's socket, timers, batch, and metric
// history live exactly as long as at least one handle does.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/livesync/internal/batch"
	"github.com/workspace/livesync/internal/clock"
	"github.com/workspace/livesync/internal/config"
	"github.com/workspace/livesync/internal/conn"
	"github.com/workspace/livesync/internal/dispatch"
	"github.com/workspace/livesync/internal/logging"
	"github.com/workspace/livesync/internal/metrics"
	"github.com/workspace/livesync/internal/pubsub"
	"github.com/workspace/livesync/internal/reconnect"
	"github.com/workspace/livesync/internal/transport"
	"github.com/workspace/livesync/internal/wire"
)

var (
	// ErrClosed is returned by every operation after Teardown.
	ErrClosed = errors.New("registry: closed")
	// ErrChannelNotFound is returned for operations on a channel that is
	// not open.
	ErrChannelNotFound = errors.New("registry: channel not found")
	// ErrInvalidChannel is returned when a channel id or url is empty.
	ErrInvalidChannel = errors.New("registry: channel id and url are required")
)

// SettingsSaver persists settings accepted by UpdateSettings.
type SettingsSaver interface {
	SaveSettings(config.Settings) error
}

// Options configures a Registry. Zero values select defaults.
type Options struct {
	Settings config.Settings
	// Strategy is "fixed" (default) or "exponential".
	Strategy        string
	Dialer          transport.Dialer
	Clock           clock.Clock
	BatchWindow     time.Duration
	MetricsCapacity int
	DialTimeout     time.Duration
	// Saver, when set, receives settings accepted by UpdateSettings.
	Saver  SettingsSaver
	Logger *slog.Logger
}

// StatusEvent is published on every channel state transition.
type StatusEvent struct {
	Channel string     `json:"channel"`
	From    conn.State `json:"from"`
	To      conn.State `json:"to"`
	Retries int        `json:"retries"`
	Err     string     `json:"error,omitempty"`
}

type channel struct {
	id    string
	url   string
	refs  int
	live  atomic.Bool
	conn  *conn.Manager
	batch *batch.Batcher[metrics.Sample]
	store *metrics.Store
	// anon holds the handles taken by Connect, released LIFO by Disconnect.
	anon []*Handle
}

// Registry maps channel ids to live channels.
type Registry struct {
	dialer          transport.Dialer
	clock           clock.Clock
	batchWindow     time.Duration
	metricsCapacity int
	dialTimeout     time.Duration
	saver           SettingsSaver
	logger          *slog.Logger
	baseLogger      *slog.Logger

	dispatcher *dispatch.Dispatcher
	status     *pubsub.Broker[StatusEvent]

	mu       sync.Mutex
	channels map[string]*channel
	settings config.Settings
	strategy string
	closed   bool
}

// New creates an empty registry.
func New(opts Options) (*Registry, error) {
	settings := opts.Settings
	if settings == (config.Settings{}) {
		settings = config.DefaultSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if _, err := reconnect.ParsePolicy(opts.Strategy, settings.ReconnectInterval); err != nil {
		return nil, err
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.WebSocketDialer{}
	}
	capacity := opts.MetricsCapacity
	if capacity <= 0 {
		capacity = metrics.DefaultCapacity
	}
	window := opts.BatchWindow
	if window <= 0 {
		window = batch.DefaultWindow
	}

	return &Registry{
		dialer:          dialer,
		clock:           clk,
		batchWindow:     window,
		metricsCapacity: capacity,
		dialTimeout:     opts.DialTimeout,
		saver:           opts.Saver,
		logger:          logging.Component(opts.Logger, "registry"),
		baseLogger:      opts.Logger,
		dispatcher:      dispatch.New(clk, opts.Logger),
		status:          pubsub.NewBroker[StatusEvent](clk, 0),
		channels:        make(map[string]*channel),
		settings:        settings,
		strategy:        opts.Strategy,
	}, nil
}

// Acquire returns a handle on channel id, opening it with url if it is not
// already open. Acquiring a channel that is parked in error restarts it with
// a fresh retry budget. When the channel is already open the existing url is
// kept.
func (r *Registry) Acquire(id, url string) (*Handle, error) {
	if id == "" || url == "" {
		return nil, ErrInvalidChannel
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}

	ch, ok := r.channels[id]
	if !ok {
		var err error
		ch, err = r.newChannelLocked(id, url)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.channels[id] = ch
		r.status.Publish(pubsub.ChannelOpened, StatusEvent{Channel: id, From: conn.StateIdle, To: conn.StateIdle})
	} else if ch.url != url {
		r.logger.Warn("Channel already open with a different url, reusing",
			"channel", id, "url", ch.url, "requested", url)
	}
	ch.refs++
	refs := ch.refs
	h := &Handle{r: r, ch: ch, token: uuid.NewString()}
	ch.conn.Connect()
	r.mu.Unlock()

	r.logger.Debug("Channel acquired", "channel", id, "refs", refs, "handle", h.token)
	return h, nil
}

func (r *Registry) newChannelLocked(id, url string) (*channel, error) {
	policy, err := reconnect.ParsePolicy(r.strategy, r.settings.ReconnectInterval)
	if err != nil {
		return nil, err
	}

	ch := &channel{
		id:    id,
		url:   url,
		store: metrics.NewStore(r.metricsCapacity),
	}
	ch.live.Store(true)
	ch.batch = batch.New[metrics.Sample](r.batchWindow, r.clock, func(samples []metrics.Sample) {
		r.flush(ch, samples)
	}, r.baseLogger)
	ch.conn = conn.New(conn.Options{
		ID:                id,
		URL:               url,
		Dialer:            r.dialer,
		Clock:             r.clock,
		Policy:            policy,
		MaxRetries:        r.settings.MaxRetries,
		HeartbeatInterval: r.settings.HeartbeatInterval,
		DialTimeout:       r.dialTimeout,
		OnFrame:           func(raw []byte) { r.handleFrame(ch, raw) },
		OnStatus:          r.publishStatus,
		Logger:            r.baseLogger,
	})
	return ch, nil
}

func (r *Registry) handleFrame(ch *channel, raw []byte) {
	if !ch.live.Load() {
		return
	}
	frame := r.dispatcher.Dispatch(ch.id, raw)
	if frame.Kind == wire.KindSample {
		ch.batch.Enqueue(frame.Samples...)
	}
}

func (r *Registry) flush(ch *channel, samples []metrics.Sample) {
	if !ch.live.Load() {
		return
	}
	ch.store.Append(samples...)

	latest := make(map[string]any, len(samples))
	for _, s := range samples {
		latest[s.Stream] = s.Value
	}
	r.dispatcher.Deliver(dispatch.Message{
		Channel:   ch.id,
		Type:      wire.TypeMetrics,
		Payload:   latest,
		Timestamp: samples[len(samples)-1].Timestamp,
		Samples:   samples,
	})
}

func (r *Registry) publishStatus(change conn.StatusChange) {
	ev := StatusEvent{
		Channel: change.Channel,
		From:    change.From,
		To:      change.To,
		Retries: change.Retries,
	}
	if change.Err != nil {
		ev.Err = change.Err.Error()
	}
	r.logger.Info("Channel status changed",
		"channel", ev.Channel, "from", ev.From, "to", ev.To, "retries", ev.Retries)
	r.status.Publish(pubsub.StatusChanged, ev)
}

func (r *Registry) release(h *Handle) {
	r.mu.Lock()
	ch := h.ch
	if r.channels[ch.id] != ch {
		r.mu.Unlock()
		return
	}
	ch.refs--
	if ch.refs > 0 {
		refs := ch.refs
		r.mu.Unlock()
		r.logger.Debug("Channel released", "channel", ch.id, "refs", refs, "handle", h.token)
		return
	}
	r.removeLocked(ch)
	r.mu.Unlock()

	r.shutdown(ch)
	r.status.Publish(pubsub.ChannelClosed, StatusEvent{Channel: ch.id, From: conn.StateDisconnected, To: conn.StateDisconnected})
	r.logger.Info("Channel closed", "channel", ch.id)
}

// removeLocked takes ch out of the registry. Frames and flushes still in
// flight for ch become no-ops and its subscriptions are dropped, so a new
// channel under the same id starts clean.
func (r *Registry) removeLocked(ch *channel) {
	ch.live.Store(false)
	delete(r.channels, ch.id)
	r.dispatcher.Clear(ch.id)
	ch.anon = nil
}

func (r *Registry) shutdown(ch *channel) {
	ch.conn.Close()
	ch.batch.Stop()
	ch.store.Reset()
}

// Teardown closes every channel and the status stream. Later calls to
// Acquire or Connect fail with ErrClosed.
func (r *Registry) Teardown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	open := make([]*channel, 0, len(r.channels))
	for _, ch := range r.channels {
		open = append(open, ch)
	}
	for _, ch := range open {
		r.removeLocked(ch)
	}
	r.mu.Unlock()

	for _, ch := range open {
		r.shutdown(ch)
	}
	r.status.Close()
	r.logger.Info("Registry torn down", "channels", len(open))
}

func (r *Registry) lookup(id string) (*channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// Handle is one reference to an open channel.
type Handle struct {
	r     *Registry
	ch    *channel
	token string

	mu       sync.Mutex
	released bool
	unsubs   []func()
}

// ChannelID returns the id of the channel this handle keeps open.
func (h *Handle) ChannelID() string { return h.ch.id }

// Subscribe registers cb for messages of msgType on the channel, or for
// every message when msgType is empty. The subscription ends with the
// returned function or when the handle is released, whichever comes first.
func (h *Handle) Subscribe(msgType string, cb dispatch.Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released || !h.ch.live.Load() {
		return func() {}
	}
	unsub := h.r.dispatcher.Subscribe(h.ch.id, msgType, cb)
	h.unsubs = append(h.unsubs, unsub)
	return unsub
}

// Release drops this reference. The last release closes the channel. Release
// is idempotent.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	unsubs := h.unsubs
	h.unsubs = nil
	h.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	h.r.release(h)
}

// Connect acquires channel id on behalf of a caller that does not keep a
// handle. Each Connect must be balanced by a Disconnect.
func (r *Registry) Connect(id, url string) error {
	h, err := r.Acquire(id, url)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[id] == h.ch {
		h.ch.anon = append(h.ch.anon, h)
	}
	return nil
}

// Disconnect releases one reference taken by Connect.
func (r *Registry) Disconnect(id string) error {
	r.mu.Lock()
	ch, ok := r.channels[id]
	if !ok || len(ch.anon) == 0 {
		r.mu.Unlock()
		return fmt.Errorf("disconnect %q: %w", id, ErrChannelNotFound)
	}
	h := ch.anon[len(ch.anon)-1]
	ch.anon = ch.anon[:len(ch.anon)-1]
	r.mu.Unlock()

	h.Release()
	return nil
}

// Subscribe registers cb on an open channel. The subscription ends with the
// returned function or when the channel closes.
func (r *Registry) Subscribe(id, msgType string, cb dispatch.Handler) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[id]; !ok {
		return nil, fmt.Errorf("subscribe %q: %w", id, ErrChannelNotFound)
	}
	return r.dispatcher.Subscribe(id, msgType, cb), nil
}

// State returns the full lifecycle state of a channel.
func (r *Registry) State(id string) (conn.State, bool) {
	ch, ok := r.lookup(id)
	if !ok {
		return "", false
	}
	return ch.conn.State(), true
}

// ConnectionStatus returns the channel's status in the vocabulary shown to
// users. Channels that are not open report StatusDisconnected.
func (r *Registry) ConnectionStatus(id string) Status {
	state, ok := r.State(id)
	if !ok {
		return StatusDisconnected
	}
	return StatusOf(state)
}

// Metrics returns the retained samples of one stream, oldest first.
func (r *Registry) Metrics(id, stream string) []metrics.Sample {
	ch, ok := r.lookup(id)
	if !ok {
		return nil
	}
	return ch.store.Snapshot(stream)
}

// Latest returns the newest retained sample of one stream.
func (r *Registry) Latest(id, stream string) (metrics.Sample, bool) {
	ch, ok := r.lookup(id)
	if !ok {
		return metrics.Sample{}, false
	}
	return ch.store.Latest(stream)
}

// Streams returns the metric streams seen on a channel.
func (r *Registry) Streams(id string) []string {
	ch, ok := r.lookup(id)
	if !ok {
		return nil
	}
	return ch.store.Streams()
}

// Send writes an envelope on a connected channel.
func (r *Registry) Send(id string, env wire.Envelope) error {
	ch, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("send %q: %w", id, ErrChannelNotFound)
	}
	return ch.conn.SendEnvelope(env)
}

// Dropped returns the number of malformed frames discarded on a channel.
func (r *Registry) Dropped(id string) int64 {
	return r.dispatcher.Dropped(id)
}

// WatchStatus streams status events until ctx is done or the registry is
// torn down.
func (r *Registry) WatchStatus(ctx context.Context) <-chan pubsub.Event[StatusEvent] {
	return r.status.Subscribe(ctx)
}

// Settings returns the settings applied to newly opened channels.
func (r *Registry) Settings() config.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// UpdateSettings validates s, persists it when a saver is configured, and
// applies it to channels opened afterwards. Open channels keep the settings
// they were opened with.
func (r *Registry) UpdateSettings(s config.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if r.saver != nil {
		if err := r.saver.SaveSettings(s); err != nil {
			return fmt.Errorf("persist settings: %w", err)
		}
	}

	r.mu.Lock()
	r.settings = s
	r.mu.Unlock()

	r.logger.Info("Settings updated",
		"reconnectInterval", s.ReconnectInterval,
		"maxRetries", s.MaxRetries,
		"heartbeatInterval", s.HeartbeatInterval,
	)
	return nil
}

// ChannelInfo is a snapshot of one open channel.
type ChannelInfo struct {
	conn.Info
	Status         Status   `json:"status"`
	RefCount       int      `json:"refCount"`
	Subscribers    int      `json:"subscribers"`
	Dropped        int64    `json:"dropped"`
	PendingSamples int      `json:"pendingSamples"`
	Streams        []string `json:"streams"`
}

// Channels returns a snapshot of every open channel, ordered by id.
func (r *Registry) Channels() []ChannelInfo {
	r.mu.Lock()
	type entry struct {
		ch   *channel
		refs int
	}
	entries := make([]entry, 0, len(r.channels))
	for _, ch := range r.channels {
		entries = append(entries, entry{ch: ch, refs: ch.refs})
	}
	r.mu.Unlock()

	infos := make([]ChannelInfo, 0, len(entries))
	for _, e := range entries {
		info := e.ch.conn.Info()
		infos = append(infos, ChannelInfo{
			Info:           info,
			Status:         StatusOf(info.State),
			RefCount:       e.refs,
			Subscribers:    r.dispatcher.SubscriberCount(e.ch.id),
			Dropped:        r.dispatcher.Dropped(e.ch.id),
			PendingSamples: e.ch.batch.Pending(),
			Streams:        e.ch.store.Streams(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
