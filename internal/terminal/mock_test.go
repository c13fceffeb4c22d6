package terminal

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// MockTransport implements Transport for testing. Responses are keyed by
// the command in lower case hex; each key holds a queue and the last
// response of a queue is repeated.
type MockTransport struct {
	mu         sync.Mutex
	responses  map[string][][]byte
	sent       [][]byte
	present    bool
	presentErr error
	atr        []byte
	transmitFn func(cmd []byte) ([]byte, error)

	nextChannel int
	openErr     error
	closed      []int
	closeErr    error
	released    bool

	presence        chan struct{}
	subscribed      atomic.Int32
	presenceQueries atomic.Int32

	// inFlight detects interleaved exchanges.
	inFlight   atomic.Int32
	interleave atomic.Bool
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		responses:   make(map[string][][]byte),
		present:     true,
		atr:         []byte{0x3B, 0x8F, 0x80, 0x01},
		nextChannel: 1,
		presence:    make(chan struct{}, 16),
	}
}

// On queues responses for the command given in hex.
func (m *MockTransport) On(cmdHex string, responses ...string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range responses {
		b, err := hex.DecodeString(r)
		if err != nil {
			panic(err)
		}
		m.responses[cmdHex] = append(m.responses[cmdHex], b)
	}
	return m
}

func (m *MockTransport) SetPresent(present bool, err error) {
	m.mu.Lock()
	m.present = present
	m.presentErr = err
	m.mu.Unlock()
}

func (m *MockTransport) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, c := range m.sent {
		out[i] = hex.EncodeToString(c)
	}
	return out
}

func (m *MockTransport) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	if m.inFlight.Add(1) > 1 {
		m.interleave.Store(true)
	}
	defer m.inFlight.Add(-1)

	m.mu.Lock()
	m.sent = append(m.sent, slices.Clone(cmd))
	fn := m.transmitFn
	m.mu.Unlock()
	if fn != nil {
		return fn(cmd)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := hex.EncodeToString(cmd)
	queue, ok := m.responses[key]
	if !ok || len(queue) == 0 {
		return []byte{0x6D, 0x00}, nil
	}
	rsp := queue[0]
	if len(queue) > 1 {
		m.responses[key] = queue[1:]
	}
	return slices.Clone(rsp), nil
}

func (m *MockTransport) IsCardPresent(ctx context.Context) (bool, error) {
	m.presenceQueries.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present, m.presentErr
}

func (m *MockTransport) ATR(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.atr == nil {
		return nil, errors.New("no card")
	}
	return slices.Clone(m.atr), nil
}

func (m *MockTransport) OpenLogicalChannel(ctx context.Context, aid []byte) (*OpenChannelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	n := m.nextChannel
	m.nextChannel++
	return &OpenChannelResponse{Channel: n, SelectResponse: []byte{0x90, 0x00}}, nil
}

func (m *MockTransport) CloseLogicalChannel(ctx context.Context, channel int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, channel)
	return m.closeErr
}

func (m *MockTransport) PresenceChanges(ctx context.Context) (<-chan struct{}, error) {
	m.subscribed.Add(1)
	out := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.presence:
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

func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.released = true
	m.mu.Unlock()
	return nil
}

// MockEvaluator implements Evaluator for testing.
type MockEvaluator struct {
	id int

	mu        sync.Mutex
	deny      map[string]string // AID hex -> reason
	initErr   error
	initOK    bool
	resolver  CallerResolver
	initCalls int
	resets    int

	// block, when set, holds Initialize until it is closed or ctx ends.
	block   chan struct{}
	entered chan struct{}
	active  atomic.Int32
	overlap atomic.Bool
}

func (m *MockEvaluator) Initialize(ctx context.Context, forceFullReload bool, caller *Caller) (bool, error) {
	if m.active.Add(1) > 1 {
		m.overlap.Store(true)
	}
	defer m.active.Add(-1)

	m.mu.Lock()
	m.initCalls++
	block, entered := m.block, m.entered
	m.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initErr != nil {
		return false, m.initErr
	}
	return m.initOK, nil
}

func (m *MockEvaluator) Reset() {
	m.mu.Lock()
	m.resets++
	m.mu.Unlock()
}

func (m *MockEvaluator) SetCallerResolver(r CallerResolver) {
	m.mu.Lock()
	m.resolver = r
	m.mu.Unlock()
}

func (m *MockEvaluator) AuthorizeChannelOpen(ctx context.Context, aid []byte, caller *Caller) (AccessDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reason, ok := m.deny[hex.EncodeToString(aid)]; ok {
		return AccessDecision{Allowed: false, Reason: reason}, nil
	}
	return AccessDecision{Allowed: true, Rule: "mock"}, nil
}

func (m *MockEvaluator) Dump(w io.Writer, prefix string) {
	fmt.Fprintf(w, "%smock evaluator %d\n", prefix, m.id)
}

func (m *MockEvaluator) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

func (m *MockEvaluator) InitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls
}

// evaluatorFactory hands out MockEvaluators built by configure and keeps
// every instance it made.
type evaluatorFactory struct {
	mu        sync.Mutex
	made      []*MockEvaluator
	configure func(*MockEvaluator)
}

func (f *evaluatorFactory) New(t *Terminal) Evaluator {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := &MockEvaluator{id: len(f.made) + 1, initOK: true}
	if f.configure != nil {
		f.configure(ev)
	}
	f.made = append(f.made, ev)
	return ev
}

func (f *evaluatorFactory) Made() []*MockEvaluator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.made)
}

// newTestTerminal returns a terminal wired to tr without starting the
// background worker.
func newTestTerminal(t *testing.T, tr *MockTransport, f *evaluatorFactory) *Terminal {
	t.Helper()
	if f == nil {
		f = &evaluatorFactory{}
	}
	term, err := New("eSE1", Options{NewEvaluator: f.New})
	require.NoError(t, err)
	if tr != nil {
		term.transport = tr
	}
	return term
}
