package irc

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = time.Minute
)

// ircClient is the slice of the Twitch IRC client the pool drives. Narrow on
// purpose so tests can substitute a fake through newIRCClient.
type ircClient interface {
	Join(channels ...string)
	Depart(channel string)
	Connect() error
	Disconnect() error
}

// clientHooks are the callbacks a connection registers on its client.
type clientHooks struct {
	onConnect   func()
	onLine      func(channel, raw string)
	onRoomState func(channel, raw string)
	onSelfPart  func(channel string)
}

// newIRCClient builds a connected-on-demand Twitch IRC client. Overridable
// in tests.
var newIRCClient = func(username, token string, hooks clientHooks) ircClient {
	var c *twitch.Client
	if username == "" {
		c = twitch.NewAnonymousClient()
	} else {
		c = twitch.NewClient(username, token)
	}
	c.OnConnect(hooks.onConnect)
	c.OnPrivateMessage(func(m twitch.PrivateMessage) { hooks.onLine(m.Channel, m.Raw) })
	c.OnClearChatMessage(func(m twitch.ClearChatMessage) { hooks.onLine(m.Channel, m.Raw) })
	c.OnClearMessage(func(m twitch.ClearMessage) { hooks.onLine(m.Channel, m.Raw) })
	c.OnUserNoticeMessage(func(m twitch.UserNoticeMessage) { hooks.onLine(m.Channel, m.Raw) })
	c.OnNoticeMessage(func(m twitch.NoticeMessage) { hooks.onLine(m.Channel, m.Raw) })
	c.OnRoomStateMessage(func(m twitch.RoomStateMessage) { hooks.onRoomState(m.Channel, m.Raw) })
	c.OnSelfPartMessage(func(m twitch.UserPartMessage) { hooks.onSelfPart(m.Channel) })
	return c
}

// conn is one IRC connection carrying up to ChannelsPerConnection channels.
// The desired channel set survives reconnects; joins are replayed on every
// successful connect.
type conn struct {
	id   int
	pool *Pool

	mu         sync.Mutex
	desired    map[string]struct{} // channels this connection should be in
	confirmed  map[string]struct{} // channels the server acknowledged
	client     ircClient
	emptySince time.Time // zero while the connection carries channels

	cancel context.CancelFunc
	done   chan struct{}
}

func (c *conn) hooks() clientHooks {
	return clientHooks{
		onConnect:   c.handleConnect,
		onLine:      c.pool.handleLine,
		onRoomState: c.handleRoomState,
		onSelfPart:  c.handleSelfPart,
	}
}

// run drives the connect/reconnect loop until the connection is closed.
func (c *conn) run(ctx context.Context) {
	defer close(c.done)
	delay := reconnectBaseDelay
	for {
		client := newIRCClient(c.pool.username, c.pool.token, c.hooks())
		c.mu.Lock()
		c.client = client
		c.confirmed = make(map[string]struct{})
		c.mu.Unlock()

		err := client.Connect()
		if ctx.Err() != nil {
			return
		}
		slog.Warn("irc connection lost, reconnecting",
			slog.Int("conn", c.id), slog.Any("err", err), slog.Duration("delay", delay))

		// Full jitter keeps a fleet of dropped connections from
		// reconnecting in lockstep.
		sleep := time.Duration(float64(delay) * (0.5 + rand.Float64()/2))
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// handleConnect replays the desired channel set after every (re)connect.
func (c *conn) handleConnect() {
	c.mu.Lock()
	channels := make([]string, 0, len(c.desired))
	for login := range c.desired {
		channels = append(channels, login)
	}
	client := c.client
	c.mu.Unlock()

	slog.Info("irc connection established", slog.Int("conn", c.id), slog.Int("channels", len(channels)))
	if len(channels) > 0 {
		client.Join(channels...)
	}
}

func (c *conn) handleRoomState(channel, raw string) {
	c.mu.Lock()
	_, wanted := c.desired[channel]
	if wanted {
		c.confirmed[channel] = struct{}{}
	}
	c.mu.Unlock()
	if wanted {
		c.pool.sink.ConfirmJoin(channel)
	}
	c.pool.handleLine(channel, raw)
}

func (c *conn) handleSelfPart(channel string) {
	c.pool.partConfirmed(channel)
}

// join adds a channel to this connection and issues the JOIN. A timer
// re-sends the JOIN if the server has not acknowledged it in time.
func (c *conn) join(login string, joinTimeout time.Duration) {
	c.mu.Lock()
	c.desired[login] = struct{}{}
	c.emptySince = time.Time{}
	client := c.client
	c.mu.Unlock()

	if client != nil {
		client.Join(login)
	}
	time.AfterFunc(joinTimeout, func() { c.retryJoin(login, joinTimeout) })
}

func (c *conn) retryJoin(login string, joinTimeout time.Duration) {
	c.mu.Lock()
	_, wanted := c.desired[login]
	_, acked := c.confirmed[login]
	client := c.client
	c.mu.Unlock()
	if !wanted || acked || client == nil {
		return
	}
	slog.Warn("join not acknowledged, retrying", slog.String("channel", login))
	client.Join(login)
	time.AfterFunc(joinTimeout, func() { c.retryJoin(login, joinTimeout) })
}

// part removes a channel from this connection and issues the PART. Returns
// true when the connection carries no channels afterwards.
func (c *conn) part(login string) (empty bool) {
	c.mu.Lock()
	delete(c.desired, login)
	delete(c.confirmed, login)
	client := c.client
	if len(c.desired) == 0 {
		c.emptySince = time.Now()
		empty = true
	}
	c.mu.Unlock()

	if client != nil {
		client.Depart(login)
	}
	return empty
}

func (c *conn) load() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.desired)
}

func (c *conn) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emptySince
}

// close tears the connection down and waits for the run loop to exit.
func (c *conn) close() {
	c.cancel()
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client != nil {
		if err := client.Disconnect(); err != nil {
			slog.Debug("irc disconnect", slog.Int("conn", c.id), slog.Any("err", err))
		}
	}
	<-c.done
}
