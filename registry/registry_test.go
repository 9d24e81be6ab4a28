package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/recent-messages/db"
	"github.com/onnwee/recent-messages/messages"
)

type fakeStore struct {
	mu       sync.Mutex
	ignored  map[string]bool
	window   map[string][]db.StoredMessage
	touched  []string
	purged   []string
	loadErr  error
	touchErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ignored: make(map[string]bool),
		window:  make(map[string][]db.StoredMessage),
	}
}

func (f *fakeStore) LoadWindow(_ context.Context, login string, _ time.Time) ([]db.StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.window[login], f.loadErr
}

func (f *fakeStore) PurgeChannel(_ context.Context, login string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, login)
	delete(f.window, login)
	return nil
}

func (f *fakeStore) TouchChannel(_ context.Context, login string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, login)
	return f.touchErr
}

func (f *fakeStore) SetChannelIgnored(_ context.Context, login string, ignored bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignored[login] = ignored
	return nil
}

func (f *fakeStore) IsChannelIgnored(_ context.Context, login string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ignored[login], nil
}

type fakeQueue struct {
	mu    sync.Mutex
	items []db.StoredMessage
}

func (f *fakeQueue) Enqueue(m db.StoredMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, m)
}

func (f *fakeQueue) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

type fakePool struct {
	mu     sync.Mutex
	joins  []string
	parts  []string
	mirror *Registry // confirms joins/parts immediately when set
}

func (f *fakePool) Join(login string) {
	f.mu.Lock()
	f.joins = append(f.joins, login)
	f.mu.Unlock()
	if f.mirror != nil {
		f.mirror.ConfirmJoin(login)
	}
}

func (f *fakePool) Part(login string) {
	f.mu.Lock()
	f.parts = append(f.parts, login)
	f.mu.Unlock()
	if f.mirror != nil {
		f.mirror.ConfirmPart(login)
	}
}

func (f *fakePool) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joins)
}

func newTestRegistry(t *testing.T, store *fakeStore) (*Registry, *fakePool, *fakeQueue) {
	t.Helper()
	queue := &fakeQueue{}
	reg := New(store, queue, Options{
		MaxBufferSize: 16,
		Retention:     24 * time.Hour,
		IdleAfter:     24 * time.Hour,
	})
	pool := &fakePool{}
	reg.SetPool(pool)
	return reg, pool, queue
}

const rawPrivmsg = "@id=m1;user-id=u1 :alice!alice@alice.tmi.twitch.tv PRIVMSG #somechannel :hello"

func TestTouchJoinsChannelOnce(t *testing.T) {
	reg, pool, _ := newTestRegistry(t, newFakeStore())
	ctx := context.Background()

	if err := reg.Touch(ctx, "somechannel"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := reg.Touch(ctx, "somechannel"); err != nil {
		t.Fatalf("second touch: %v", err)
	}
	if pool.joinCount() != 1 {
		t.Errorf("join count = %d, want 1", pool.joinCount())
	}
	if got := reg.Membership("somechannel"); got != Joining {
		t.Errorf("membership = %v, want Joining", got)
	}
	reg.ConfirmJoin("somechannel")
	if got := reg.Membership("somechannel"); got != Joined {
		t.Errorf("membership after confirm = %v, want Joined", got)
	}
}

func TestTouchRejectsInvalidLogin(t *testing.T) {
	reg, _, _ := newTestRegistry(t, newFakeStore())
	for _, login := range []string{"", "UPPER", "has space", "waytoolongloginname12345678"} {
		if err := reg.Touch(context.Background(), login); !errors.Is(err, ErrInvalidChannelLogin) {
			t.Errorf("Touch(%q) = %v, want ErrInvalidChannelLogin", login, err)
		}
	}
}

func TestTouchRejectsBlockedChannel(t *testing.T) {
	store := newFakeStore()
	store.ignored["somechannel"] = true
	reg, pool, _ := newTestRegistry(t, store)

	if err := reg.Touch(context.Background(), "somechannel"); !errors.Is(err, ErrChannelIgnored) {
		t.Fatalf("Touch = %v, want ErrChannelIgnored", err)
	}
	if pool.joinCount() != 0 {
		t.Error("blocked channel must not be joined")
	}
}

func TestAppendStoresAndMirrors(t *testing.T) {
	reg, _, queue := newTestRegistry(t, newFakeStore())
	ctx := context.Background()
	if err := reg.Touch(ctx, "somechannel"); err != nil {
		t.Fatalf("touch: %v", err)
	}

	reg.Append("somechannel", rawPrivmsg, time.Now())
	lines, _, err := reg.GetRecent(ctx, "somechannel", messages.ExportOptions{Limit: -1})
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(lines) != 1 || !strings.Contains(lines[0], "PRIVMSG #somechannel :hello") {
		t.Errorf("unexpected lines: %v", lines)
	}
	if queue.len() != 1 {
		t.Errorf("append should be mirrored to persistence, queue len = %d", queue.len())
	}
}

func TestAppendDropsUntrackedChannel(t *testing.T) {
	reg, _, queue := newTestRegistry(t, newFakeStore())
	reg.Append("somechannel", rawPrivmsg, time.Now())
	if reg.Len() != 0 || queue.len() != 0 {
		t.Error("lines for untracked channels must be dropped")
	}
}

func TestGetRecentReportsNotJoined(t *testing.T) {
	reg, _, _ := newTestRegistry(t, newFakeStore())
	_, notJoined, err := reg.GetRecent(context.Background(), "somechannel", messages.ExportOptions{Limit: -1})
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if !notJoined {
		t.Error("channel still joining should report notJoined")
	}

	reg.ConfirmJoin("somechannel")
	_, notJoined, err = reg.GetRecent(context.Background(), "somechannel", messages.ExportOptions{Limit: -1})
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if notJoined {
		t.Error("joined channel should not report notJoined")
	}
}

func TestWarmLoadReplaysPersistedWindow(t *testing.T) {
	store := newFakeStore()
	store.window["somechannel"] = []db.StoredMessage{
		{ChannelLogin: "somechannel", TimeReceived: time.Now().Add(-time.Hour), Source: rawPrivmsg},
	}
	reg, _, _ := newTestRegistry(t, store)

	lines, _, err := reg.GetRecent(context.Background(), "somechannel", messages.ExportOptions{Limit: -1})
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("warm load should surface persisted messages, got %v", lines)
	}
}

func TestPurgeEmptiesBufferAndPersistence(t *testing.T) {
	store := newFakeStore()
	reg, _, _ := newTestRegistry(t, store)
	ctx := context.Background()
	if err := reg.Touch(ctx, "somechannel"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	reg.Append("somechannel", rawPrivmsg, time.Now())

	if err := reg.Purge(ctx, "somechannel"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	lines, _, err := reg.GetRecent(ctx, "somechannel", messages.ExportOptions{Limit: -1})
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("buffer should be empty after purge, got %v", lines)
	}
	if len(store.purged) != 1 {
		t.Error("purge should reach persistence")
	}
	if got := reg.Membership("somechannel"); got == Detached {
		t.Error("purge must not part the channel")
	}
}

func TestSetBlockedPurgesAndParts(t *testing.T) {
	store := newFakeStore()
	reg, pool, _ := newTestRegistry(t, store)
	pool.mirror = reg
	ctx := context.Background()

	if err := reg.Touch(ctx, "somechannel"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	reg.Append("somechannel", rawPrivmsg, time.Now())

	if err := reg.SetBlocked(ctx, "somechannel", true); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}
	if !store.ignored["somechannel"] {
		t.Error("blocklist flag should be persisted")
	}
	if len(pool.parts) != 1 {
		t.Error("blocking a joined channel should part it")
	}
	if err := reg.Touch(ctx, "somechannel"); !errors.Is(err, ErrChannelIgnored) {
		t.Errorf("Touch after block = %v, want ErrChannelIgnored", err)
	}

	// Unblock: next touch rejoins.
	if err := reg.SetBlocked(ctx, "somechannel", false); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if err := reg.Touch(ctx, "somechannel"); err != nil {
		t.Errorf("Touch after unblock = %v", err)
	}
}

func TestSetBlockedLeavesNoConcurrentAppends(t *testing.T) {
	store := newFakeStore()
	reg, pool, _ := newTestRegistry(t, store)
	pool.mirror = reg
	ctx := context.Background()

	if err := reg.Touch(ctx, "somechannel"); err != nil {
		t.Fatalf("touch: %v", err)
	}

	// Appends racing the block must either land before the purge (and be
	// purged) or observe the blocked flag and drop; either way the buffer
	// ends up empty.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				reg.Append("somechannel", rawPrivmsg, time.Now())
			}
		}()
	}
	if err := reg.SetBlocked(ctx, "somechannel", true); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}
	wg.Wait()

	if err := reg.SetBlocked(ctx, "somechannel", false); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	lines, _, err := reg.GetRecent(ctx, "somechannel", messages.ExportOptions{Limit: -1})
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("blocked channel retained %d lines, want 0", len(lines))
	}
}

func TestSweepPartsIdleChannels(t *testing.T) {
	store := newFakeStore()
	reg, pool, _ := newTestRegistry(t, store)
	pool.mirror = reg
	ctx := context.Background()

	if err := reg.Touch(ctx, "idlechannel"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	reg.ConfirmJoin("idlechannel")

	// Not idle yet.
	reg.Sweep(time.Now())
	if len(pool.parts) != 0 {
		t.Fatal("channel should not be parted before the idle TTL")
	}

	reg.Sweep(time.Now().Add(25 * time.Hour))
	if len(pool.parts) != 1 {
		t.Fatal("idle channel should be parted")
	}
	if reg.Len() != 0 {
		t.Error("parted channel should be removed from the registry")
	}
}

func TestVacuumBuffersDropsOldMessages(t *testing.T) {
	reg, _, _ := newTestRegistry(t, newFakeStore())
	ctx := context.Background()
	if err := reg.Touch(ctx, "somechannel"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	reg.Append("somechannel", rawPrivmsg, time.Now().Add(-25*time.Hour))
	reg.Append("somechannel", rawPrivmsg, time.Now())

	reg.VacuumBuffers(time.Now())
	lines, _, err := reg.GetRecent(ctx, "somechannel", messages.ExportOptions{Limit: -1})
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(lines) != 1 {
		t.Errorf("vacuum should drop the expired message, got %d lines", len(lines))
	}
}
