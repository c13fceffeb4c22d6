package api

import (
	"context"
	"encoding/hex"
	"io"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SimplyPrint/se-broker/internal/terminal"
)

const testAID = "a000000151000000"

// fakeCard is a terminal.Transport answering from a table of hex commands.
type fakeCard struct {
	mu        sync.Mutex
	present   bool
	responses map[string]string
	sent      []string
	closed    []int
	presence  chan struct{}
}

func newFakeCard() *fakeCard {
	return &fakeCard{
		present: true,
		responses: map[string]string{
			"00a4040000":           "9000",
			"00a4040008" + testAID: "6f009000",
			"80ca9f7f00":           "9f7f2a9000",
			"81ca9f7f00":           "9f7f2b9000",
		},
		presence: make(chan struct{}, 4),
	}
}

func (f *fakeCard) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hex.EncodeToString(cmd)
	f.sent = append(f.sent, key)
	rsp, ok := f.responses[key]
	if !ok {
		rsp = "6d00"
	}
	return hex.DecodeString(rsp)
}

func (f *fakeCard) IsCardPresent(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present, nil
}

func (f *fakeCard) ATR(ctx context.Context) ([]byte, error) {
	return []byte{0x3B, 0x8F, 0x80, 0x01}, nil
}

func (f *fakeCard) OpenLogicalChannel(ctx context.Context, aid []byte) (*terminal.OpenChannelResponse, error) {
	rsp := &terminal.OpenChannelResponse{Channel: 1}
	if aid != nil {
		rsp.SelectResponse = []byte{0x90, 0x00}
	}
	return rsp, nil
}

func (f *fakeCard) CloseLogicalChannel(ctx context.Context, n int) error {
	f.mu.Lock()
	f.closed = append(f.closed, n)
	f.mu.Unlock()
	return nil
}

func (f *fakeCard) PresenceChanges(ctx context.Context) (<-chan struct{}, error) {
	out := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.presence:
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeCard) Close() error { return nil }

func (f *fakeCard) closedChannels() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closed...)
}

// callerLog records the callers an evaluator was asked about.
type callerLog struct {
	mu    sync.Mutex
	names []string
}

func (l *callerLog) add(name string) {
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()
}

func (l *callerLog) last() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.names) == 0 {
		return ""
	}
	return l.names[len(l.names)-1]
}

// denyAID grants everything except one application.
type denyAID struct {
	aid     string
	callers *callerLog
}

func (denyAID) Initialize(context.Context, bool, *terminal.Caller) (bool, error) { return true, nil }
func (denyAID) Reset()                                                          {}
func (denyAID) SetCallerResolver(terminal.CallerResolver)                       {}
func (denyAID) Dump(w io.Writer, prefix string) {
	io.WriteString(w, prefix+"test policy\n")
}

func (d denyAID) AuthorizeChannelOpen(_ context.Context, aid []byte, caller *terminal.Caller) (terminal.AccessDecision, error) {
	if d.callers != nil {
		d.callers.add(caller.Name)
	}
	if hex.EncodeToString(aid) == d.aid {
		return terminal.AccessDecision{Reason: "blocked application"}, nil
	}
	return terminal.AccessDecision{Allowed: true, Rule: "test"}, nil
}

type fakeAutostart struct {
	installed bool
	err       error
}

func (f *fakeAutostart) Install() error {
	if f.err != nil {
		return f.err
	}
	f.installed = true
	return nil
}

func (f *fakeAutostart) Uninstall() error {
	if f.err != nil {
		return f.err
	}
	f.installed = false
	return nil
}

func (f *fakeAutostart) IsInstalled() bool { return f.installed }

func (f *fakeAutostart) Status() (string, error) {
	if f.installed {
		return "running", nil
	}
	return "not installed", nil
}

type testEnv struct {
	server  *Server
	pool    *terminal.Pool
	card    *fakeCard
	term    *terminal.Terminal
	reg     *prometheus.Registry
	callers *callerLog
}

// newTestEnv builds a server with one started terminal called "Reader A"
// whose policy blocks the ARA-M application. Browser origins in
// allowedOrigins may open sessions besides loopback ones.
func newTestEnv(t *testing.T, allowedOrigins ...string) *testEnv {
	t.Helper()
	t.Setenv("SE_BROKER_CONFIG_DIR", t.TempDir())

	reg := prometheus.NewRegistry()
	pool := terminal.NewPool()
	env := &testEnv{pool: pool, card: newFakeCard(), reg: reg, callers: &callerLog{}}

	env.server = NewServer(Options{
		Pool:           pool,
		Gatherer:       reg,
		Autostart:      &fakeAutostart{},
		AllowedOrigins: allowedOrigins,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go env.server.Run(ctx)

	term, err := terminal.New("Reader A", terminal.Options{
		NewEvaluator:      func(*terminal.Terminal) terminal.Evaluator { return denyAID{aid: "a00000015141434c00", callers: env.callers} },
		Metrics:           terminal.NewMetrics(reg),
		OnPresenceChanged: env.server.PresenceChanged,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := term.Start(env.card); err != nil {
		t.Fatal(err)
	}
	if err := pool.Add(term); err != nil {
		t.Fatal(err)
	}
	env.term = term

	t.Cleanup(func() {
		_ = pool.Shutdown(context.Background())
		cancel()
	})
	return env
}
