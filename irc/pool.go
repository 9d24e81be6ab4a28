// Package irc maintains the pool of Twitch IRC connections. Channels are
// spread across connections with a per-connection cap, connections reconnect
// themselves with backoff, and emptied connections are kept warm for a grace
// period before being closed.
package irc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/recent-messages/telemetry"
)

// Sink receives everything the pool produces. Implemented by the channel
// registry.
type Sink interface {
	Append(channelLogin, raw string, ts time.Time)
	ConfirmJoin(channelLogin string)
	ConfirmPart(channelLogin string)
}

// Options configure the pool.
type Options struct {
	Username              string // empty for anonymous connections
	OAuthToken            string
	ChannelsPerConnection int
	MaxConnections        int
	JoinTimeout           time.Duration
	PartTimeout           time.Duration
	WarmConnectionFor     time.Duration
}

// Pool owns the IRC connections and the channel-to-connection assignment.
type Pool struct {
	sink     Sink
	username string
	token    string
	opts     Options

	mu         sync.Mutex
	conns      map[int]*conn
	assignment map[string]*conn
	parting    map[string]*time.Timer // channels with an outstanding PART
	nextConnID int
	ctx        context.Context
}

// NewPool builds a pool. Run must be called before Join.
func NewPool(sink Sink, opts Options) *Pool {
	return &Pool{
		sink:       sink,
		username:   opts.Username,
		token:      opts.OAuthToken,
		opts:       opts,
		conns:      make(map[int]*conn),
		assignment: make(map[string]*conn),
		parting:    make(map[string]*time.Timer),
	}
}

// Run reaps warm connections until ctx is cancelled, then closes every
// connection.
func (p *Pool) Run(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	period := p.opts.WarmConnectionFor / 4
	if period <= 0 {
		period = time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return
		case <-ticker.C:
			p.reapWarmConnections()
		}
	}
}

// Join assigns the channel to the least loaded connection with headroom,
// spawning a new connection if every existing one is full and the global cap
// allows it. Idempotent for already assigned channels.
func (p *Pool) Join(login string) {
	p.mu.Lock()
	if t, ok := p.parting[login]; ok {
		// Rejoin racing an outstanding part: cancel the part.
		t.Stop()
		delete(p.parting, login)
	}
	if _, ok := p.assignment[login]; ok {
		p.mu.Unlock()
		return
	}
	c := p.pickConnLocked()
	if c == nil {
		p.mu.Unlock()
		slog.Error("connection limit reached, cannot join channel", slog.String("channel", login))
		return
	}
	p.assignment[login] = c
	joined := len(p.assignment)
	p.mu.Unlock()

	telemetry.SetChannelsJoined(joined)
	c.join(login, p.opts.JoinTimeout)
}

// pickConnLocked returns the least loaded connection below the per-connection
// cap, creating one if permitted. Caller holds p.mu.
func (p *Pool) pickConnLocked() *conn {
	var best *conn
	for _, c := range p.conns {
		if c.load() >= p.opts.ChannelsPerConnection {
			continue
		}
		if best == nil || c.load() < best.load() {
			best = c
		}
	}
	if best != nil {
		return best
	}
	if len(p.conns) >= p.opts.MaxConnections {
		return nil
	}
	return p.spawnConnLocked()
}

// spawnConnLocked creates a connection and starts its reconnect loop.
// Caller holds p.mu.
func (p *Pool) spawnConnLocked() *conn {
	parent := p.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	c := &conn{
		id:        p.nextConnID,
		pool:      p,
		desired:   make(map[string]struct{}),
		confirmed: make(map[string]struct{}),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	p.nextConnID++
	p.conns[c.id] = c
	telemetry.SetIRCConnections(len(p.conns))
	slog.Info("opening irc connection", slog.Int("conn", c.id))
	go c.run(ctx)
	return c
}

// Part removes the channel from its connection. The part is confirmed to the
// sink when the server echoes it, or forcibly after the part timeout.
func (p *Pool) Part(login string) {
	p.mu.Lock()
	c, ok := p.assignment[login]
	if !ok {
		p.mu.Unlock()
		p.sink.ConfirmPart(login)
		return
	}
	delete(p.assignment, login)
	joined := len(p.assignment)
	p.parting[login] = time.AfterFunc(p.opts.PartTimeout, func() { p.partConfirmed(login) })
	p.mu.Unlock()

	telemetry.SetChannelsJoined(joined)
	c.part(login)
}

// partConfirmed resolves an outstanding part exactly once, whether triggered
// by the server echo or the timeout.
func (p *Pool) partConfirmed(login string) {
	p.mu.Lock()
	t, ok := p.parting[login]
	if ok {
		t.Stop()
		delete(p.parting, login)
	}
	p.mu.Unlock()
	if ok {
		p.sink.ConfirmPart(login)
	}
}

// handleLine forwards a retained IRC line to the sink, stamping the receive
// time. Lines for channels no longer assigned still flow through; the
// registry drops what it does not track.
func (p *Pool) handleLine(channel, raw string) {
	p.sink.Append(channel, raw, time.Now())
}

// reapWarmConnections closes connections that have carried no channels for
// the warm period. One empty connection is always kept so the next join does
// not pay the connect latency.
func (p *Pool) reapWarmConnections() {
	cutoff := time.Now().Add(-p.opts.WarmConnectionFor)

	p.mu.Lock()
	var victims []*conn
	spareKept := false
	for id, c := range p.conns {
		idle := c.idleSince()
		if idle.IsZero() {
			continue
		}
		if !spareKept {
			spareKept = true
			continue
		}
		if idle.Before(cutoff) {
			victims = append(victims, c)
			delete(p.conns, id)
		}
	}
	remaining := len(p.conns)
	p.mu.Unlock()

	for _, c := range victims {
		slog.Info("closing idle irc connection", slog.Int("conn", c.id))
		c.close()
	}
	if len(victims) > 0 {
		telemetry.SetIRCConnections(remaining)
	}
}

func (p *Pool) shutdown() {
	p.mu.Lock()
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[int]*conn)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *conn) {
			defer wg.Done()
			c.close()
		}(c)
	}
	wg.Wait()
	telemetry.SetIRCConnections(0)
}

// ConnCount returns the number of open connections.
func (p *Pool) ConnCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// AssignedCount returns the number of channels currently assigned.
func (p *Pool) AssignedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.assignment)
}
