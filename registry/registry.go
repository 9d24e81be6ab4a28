// Package registry is the single source of truth for which channels the
// service currently cares about. It owns the per-channel buffers, drives
// membership through the IRC pool, and exposes the narrow intake API the HTTP
// layer calls.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/recent-messages/config"
	"github.com/onnwee/recent-messages/db"
	"github.com/onnwee/recent-messages/messages"
	"github.com/onnwee/recent-messages/telemetry"
)

var (
	// ErrInvalidChannelLogin is returned for logins not matching ^[a-z0-9_]{1,25}$.
	ErrInvalidChannelLogin = errors.New("invalid channel login")
	// ErrChannelIgnored is returned for blocklisted channels.
	ErrChannelIgnored = errors.New("channel is excluded from this service")
)

// Membership is the per-channel lifecycle state.
type Membership int

const (
	Detached Membership = iota
	Joining
	Joined
	Parting
)

// Persistence is the subset of the database adapter the registry needs.
type Persistence interface {
	LoadWindow(ctx context.Context, channelLogin string, cutoff time.Time) ([]db.StoredMessage, error)
	PurgeChannel(ctx context.Context, channelLogin string) error
	TouchChannel(ctx context.Context, channelLogin string) error
	SetChannelIgnored(ctx context.Context, channelLogin string, ignored bool) error
	IsChannelIgnored(ctx context.Context, channelLogin string) (bool, error)
}

// AppendQueue mirrors appends to persistence without ever blocking ingestion.
type AppendQueue interface {
	Enqueue(m db.StoredMessage)
}

// Pool is the join/part surface of the IRC listener pool. Both calls are
// asynchronous; the pool reports the outcome through ConfirmJoin/ConfirmPart.
type Pool interface {
	Join(channelLogin string)
	Part(channelLogin string)
}

// Options are the retention knobs the registry enforces.
type Options struct {
	MaxBufferSize int
	Retention     time.Duration // R: messages older than this are not served
	IdleAfter     time.Duration // T_idle: channels unread for this long are parted
}

type entry struct {
	mu         sync.Mutex
	buffer     *messages.Buffer
	lastAccess time.Time
	membership Membership
	blocked    bool
	loaded     bool // warm load from persistence performed
}

// Registry maps channel logins to their state. The outer map is read-mostly;
// each entry's mutable fields are guarded by a per-entry lock, and no code
// path ever holds two entry locks at once.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*entry

	store Persistence
	queue AppendQueue
	pool  Pool
	opts  Options

	now func() time.Time
}

// New returns an empty registry. The pool is attached later via SetPool
// because the pool itself needs the registry as its message sink.
func New(store Persistence, queue AppendQueue, opts Options) *Registry {
	return &Registry{
		channels: make(map[string]*entry),
		store:    store,
		queue:    queue,
		opts:     opts,
		now:      time.Now,
	}
}

// SetPool attaches the IRC pool. Must be called before the first Touch.
func (r *Registry) SetPool(p Pool) { r.pool = p }

func validateLogin(login string) error {
	if !config.ChannelLoginPattern.MatchString(login) {
		return ErrInvalidChannelLogin
	}
	return nil
}

// lookup returns the entry for login, or nil.
func (r *Registry) lookup(login string) *entry {
	r.mu.RLock()
	e := r.channels[login]
	r.mu.RUnlock()
	return e
}

// getOrCreate returns the entry for login, creating a detached one if needed.
func (r *Registry) getOrCreate(login string) *entry {
	if e := r.lookup(login); e != nil {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.channels[login]; e != nil {
		return e
	}
	e := &entry{buffer: messages.NewBuffer(r.opts.MaxBufferSize)}
	r.channels[login] = e
	return e
}

// Touch validates the login, records the read access, warms the buffer from
// persistence on first contact, and makes sure membership is progressing
// toward Joined. Idempotent: a channel already joining or joined is left
// alone.
func (r *Registry) Touch(ctx context.Context, login string) error {
	if err := validateLogin(login); err != nil {
		return err
	}
	e := r.getOrCreate(login)

	e.mu.Lock()
	if !e.loaded {
		e.loaded = true
		r.warmLoad(ctx, login, e)
	}
	if e.blocked {
		e.mu.Unlock()
		return ErrChannelIgnored
	}
	e.lastAccess = r.now()
	needJoin := e.membership == Detached
	if needJoin {
		e.membership = Joining
	}
	e.mu.Unlock()

	if err := r.store.TouchChannel(ctx, login); err != nil {
		slog.Warn("failed to touch channel in storage", slog.String("channel", login), slog.Any("err", err))
	}
	if needJoin {
		r.pool.Join(login)
	}
	return nil
}

// warmLoad replays the persisted window into the buffer. Called with the
// entry lock held, exactly once per channel per process lifetime.
func (r *Registry) warmLoad(ctx context.Context, login string, e *entry) {
	ignored, err := r.store.IsChannelIgnored(ctx, login)
	if err != nil {
		slog.Warn("failed to query channel ignored state", slog.String("channel", login), slog.Any("err", err))
	}
	if ignored {
		e.blocked = true
		return
	}
	rows, err := r.store.LoadWindow(ctx, login, r.now().Add(-r.opts.Retention))
	if err != nil {
		slog.Warn("failed to load persisted window", slog.String("channel", login), slog.Any("err", err))
		return
	}
	loaded := 0
	for _, row := range rows {
		meta, ok := messages.Classify(row.Source)
		if !ok {
			continue
		}
		loaded++
		loaded -= e.buffer.Append(messages.StoredMessage{
			TimeReceived: row.TimeReceived,
			Source:       row.Source,
			Meta:         meta,
		})
	}
	if loaded > 0 {
		telemetry.AddMessagesStored(loaded)
		slog.Debug("warmed channel buffer from storage", slog.String("channel", login), slog.Int("messages", loaded))
	}
}

// Append stores one received line for a channel. Lines for channels not in
// the registry, blocked channels, or unsupported commands are dropped.
// Called by the IRC pool's dispatcher; never blocks on persistence.
func (r *Registry) Append(login, raw string, ts time.Time) {
	e := r.lookup(login)
	if e == nil {
		return
	}
	meta, ok := messages.Classify(raw)
	if !ok {
		return
	}

	// The blocked check and the append must share the lock so a concurrent
	// SetBlocked purge cannot interleave between them and leave a stray
	// message in a blocked channel's buffer.
	e.mu.Lock()
	if e.blocked {
		e.mu.Unlock()
		return
	}
	evicted := e.buffer.Append(messages.StoredMessage{TimeReceived: ts, Source: raw, Meta: meta})
	e.mu.Unlock()

	telemetry.IncMessagesAppended()
	telemetry.DecMessagesStored(evicted)
	r.queue.Enqueue(db.StoredMessage{ChannelLogin: login, TimeReceived: ts, Source: raw})
}

// GetRecent is the read path of the intake API. It touches the channel,
// snapshots the buffer and applies the export filters. notJoined reports the
// soft channel_not_joined condition; messages may still be returned from a
// warmed window while the join is in progress.
func (r *Registry) GetRecent(ctx context.Context, login string, opts messages.ExportOptions) (lines []string, notJoined bool, err error) {
	if err := r.Touch(ctx, login); err != nil {
		return nil, false, err
	}
	e := r.lookup(login)
	if e == nil {
		return []string{}, true, nil
	}
	lines = messages.Export(e.buffer.Snapshot(), opts)
	e.mu.Lock()
	notJoined = e.membership != Joined
	e.mu.Unlock()
	return lines, notJoined, nil
}

// Purge empties the RAM buffer and the persisted rows for a channel. The
// channel remains joined. The persistence deletion is a single transactional
// statement: a cancelled purge either completed or did not happen.
func (r *Registry) Purge(ctx context.Context, login string) error {
	if err := validateLogin(login); err != nil {
		return err
	}
	if e := r.lookup(login); e != nil {
		telemetry.DecMessagesStored(e.buffer.Purge())
	}
	return r.store.PurgeChannel(ctx, login)
}

// SetBlocked flips the blocklist flag. Blocking purges RAM and persisted
// rows and parts the channel; unblocking lets the next Touch rejoin.
func (r *Registry) SetBlocked(ctx context.Context, login string, blocked bool) error {
	if err := validateLogin(login); err != nil {
		return err
	}
	if err := r.store.SetChannelIgnored(ctx, login, blocked); err != nil {
		return err
	}
	if !blocked {
		if e := r.lookup(login); e != nil {
			e.mu.Lock()
			e.blocked = false
			e.mu.Unlock()
		}
		return nil
	}

	e := r.getOrCreate(login)
	e.mu.Lock()
	e.blocked = true
	e.loaded = true
	needPart := e.membership == Joining || e.membership == Joined
	if needPart {
		e.membership = Parting
	}
	telemetry.DecMessagesStored(e.buffer.Purge())
	e.mu.Unlock()

	if needPart {
		r.pool.Part(login)
	}
	return r.store.PurgeChannel(ctx, login)
}

// IsBlocked reports the blocklist state, preferring in-memory knowledge.
func (r *Registry) IsBlocked(ctx context.Context, login string) (bool, error) {
	if err := validateLogin(login); err != nil {
		return false, err
	}
	if e := r.lookup(login); e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.loaded {
			return e.blocked, nil
		}
	}
	return r.store.IsChannelIgnored(ctx, login)
}

// ConfirmJoin is called by the pool once the IRC server acknowledged the
// channel membership.
func (r *Registry) ConfirmJoin(login string) {
	if e := r.lookup(login); e != nil {
		e.mu.Lock()
		if e.membership == Joining {
			e.membership = Joined
		}
		e.mu.Unlock()
	}
}

// ConfirmPart is called by the pool once a part completed (or timed out).
// The channel entry is removed unless it is retained as a blocklist marker.
func (r *Registry) ConfirmPart(login string) {
	e := r.lookup(login)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.membership != Parting {
		e.mu.Unlock()
		return
	}
	e.membership = Detached
	blocked := e.blocked
	if !blocked {
		telemetry.DecMessagesStored(e.buffer.Purge())
	}
	e.mu.Unlock()

	if !blocked {
		r.mu.Lock()
		delete(r.channels, login)
		r.mu.Unlock()
	}
}

// Sweep transitions channels with last_access older than the idle TTL to
// Parting and asks the pool to part them. Called by the retention scheduler.
func (r *Registry) Sweep(now time.Time) {
	cutoff := now.Add(-r.opts.IdleAfter)

	r.mu.RLock()
	logins := make([]string, 0, len(r.channels))
	for login := range r.channels {
		logins = append(logins, login)
	}
	r.mu.RUnlock()

	for _, login := range logins {
		e := r.lookup(login)
		if e == nil {
			continue
		}
		e.mu.Lock()
		idle := e.lastAccess.Before(cutoff) && (e.membership == Joined || e.membership == Joining)
		if idle {
			e.membership = Parting
		}
		e.mu.Unlock()
		if idle {
			slog.Info("parting idle channel", slog.String("channel", login))
			r.pool.Part(login)
		}
	}
}

// VacuumBuffers drops messages older than the retention window from every
// buffer. Each channel is vacuumed under its own lock so live ingestion is
// never starved.
func (r *Registry) VacuumBuffers(now time.Time) {
	cutoff := now.Add(-r.opts.Retention)

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.channels))
	for _, e := range r.channels {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		if n := e.buffer.VacuumOlderThan(cutoff); n > 0 {
			telemetry.IncMessagesVacuumed(n)
		}
	}
}

// Membership returns the current lifecycle state for a channel (Detached for
// unknown channels).
func (r *Registry) Membership(login string) Membership {
	e := r.lookup(login)
	if e == nil {
		return Detached
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.membership
}

// Len returns the number of tracked channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
