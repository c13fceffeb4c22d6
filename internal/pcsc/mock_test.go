package pcsc

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ebfe/scard"

	"github.com/SimplyPrint/se-broker/internal/terminal"
)

// MockSmartCardContext implements SmartCardContext for testing. Every
// EstablishContext call of the factory returns the same instance.
type MockSmartCardContext struct {
	mu          sync.Mutex
	readers     []string
	cards       map[string]*MockSmartCard
	shouldError bool
	errorMsg    string
	listErr     error

	changed  chan struct{}
	cancel   chan struct{}
	released int
	contexts int
}

// MockSmartCard implements SmartCard for testing
type MockSmartCard struct {
	mu           sync.Mutex
	atr          []byte
	responses    map[string][][]byte // command hex -> queued responses
	sent         []string
	transmitErr  error
	disconnected bool
	disposition  uint32
}

// NewMockContext creates a new mock context with predefined readers
func NewMockContext() *MockSmartCardContext {
	return &MockSmartCardContext{
		readers: []string{
			"Gemalto PC Twin Reader 00 00",
			"Identiv uTrust 3700 F CL Reader 01 00",
		},
		cards:   make(map[string]*MockSmartCard),
		changed: make(chan struct{}, 1),
		cancel:  make(chan struct{}, 1),
	}
}

// WithReaders sets the readers for the mock context
func (m *MockSmartCardContext) WithReaders(readers []string) *MockSmartCardContext {
	m.readers = readers
	return m
}

// WithCard inserts a mock card into a specific reader
func (m *MockSmartCardContext) WithCard(readerName string, card *MockSmartCard) *MockSmartCardContext {
	m.mu.Lock()
	m.cards[readerName] = card
	m.mu.Unlock()
	m.signal()
	return m
}

// RemoveCard takes the card out of a reader
func (m *MockSmartCardContext) RemoveCard(readerName string) {
	m.mu.Lock()
	delete(m.cards, readerName)
	m.mu.Unlock()
	m.signal()
}

// WithError makes the context return errors
func (m *MockSmartCardContext) WithError(msg string) *MockSmartCardContext {
	m.shouldError = true
	m.errorMsg = msg
	return m
}

func (m *MockSmartCardContext) signal() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

func (m *MockSmartCardContext) EstablishContext() (SmartCardContext, error) {
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	m.mu.Lock()
	m.contexts++
	m.mu.Unlock()
	return m, nil
}

func (m *MockSmartCardContext) ListReaders() ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.readers, nil
}

func (m *MockSmartCardContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	card, ok := m.cards[reader]
	if !ok {
		return nil, scard.ErrNoSmartcard
	}
	card.mu.Lock()
	card.disconnected = false
	card.mu.Unlock()
	return card, nil
}

func (m *MockSmartCardContext) state(reader string) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[reader]; ok {
		return StatePresent
	}
	return StateEmpty
}

func (m *MockSmartCardContext) GetStatusChange(states []ReaderState, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout >= 0 {
		expired = time.After(timeout)
	}
	for {
		changed := false
		for i := range states {
			cur := m.state(states[i].Reader)
			states[i].EventState = cur
			if states[i].CurrentState&(StatePresent|StateEmpty) != cur {
				states[i].EventState |= StateChanged
				changed = true
			}
		}
		if changed {
			return nil
		}
		select {
		case <-m.changed:
		case <-m.cancel:
			return scard.ErrCancelled
		case <-expired:
			return scard.ErrTimeout
		}
	}
}

func (m *MockSmartCardContext) Cancel() error {
	select {
	case m.cancel <- struct{}{}:
	default:
	}
	return nil
}

func (m *MockSmartCardContext) Release() error {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
	return nil
}

// NewMockCard creates a mock secure element answering SELECT of the
// default application.
func NewMockCard() *MockSmartCard {
	card := &MockSmartCard{
		responses: make(map[string][][]byte),
	}
	card.atr, _ = hex.DecodeString("3bf81300008131fe454a434f5076323431b7")
	card.On("00a4040000", "9000")
	return card
}

// On queues responses for a command given in hex. The last response of
// a queue repeats.
func (m *MockSmartCard) On(cmdHex string, responses ...string) *MockSmartCard {
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

// WithTransmitError makes every transmit fail with err
func (m *MockSmartCard) WithTransmitError(err error) *MockSmartCard {
	m.mu.Lock()
	m.transmitErr = err
	m.mu.Unlock()
	return m
}

func (m *MockSmartCard) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func (m *MockSmartCard) Transmit(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disconnected {
		return nil, errors.New("card disconnected")
	}
	if m.transmitErr != nil {
		return nil, m.transmitErr
	}

	cmdHex := hex.EncodeToString(cmd)
	m.sent = append(m.sent, cmdHex)

	queue, ok := m.responses[cmdHex]
	if !ok || len(queue) == 0 {
		// Default: instruction not supported
		return []byte{0x6D, 0x00}, nil
	}
	rsp := queue[0]
	if len(queue) > 1 {
		m.responses[cmdHex] = queue[1:]
	}
	return append([]byte(nil), rsp...), nil
}

func (m *MockSmartCard) Status() (SmartCardStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disconnected {
		return SmartCardStatus{}, scard.ErrRemovedCard
	}
	return SmartCardStatus{
		Reader:         "Mock Reader",
		State:          0,
		ActiveProtocol: 2,
		Atr:            m.atr,
	}, nil
}

func (m *MockSmartCard) Disconnect(disposition uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	m.disposition = disposition
	return nil
}

func (m *MockSmartCard) isDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

func hexString(b []byte) string { return hex.EncodeToString(b) }

// allowAll is an evaluator that grants everything.
type allowAll struct{}

func (allowAll) Initialize(context.Context, bool, *terminal.Caller) (bool, error) { return true, nil }
func (allowAll) Reset()                                                          {}
func (allowAll) SetCallerResolver(terminal.CallerResolver)                       {}
func (allowAll) Dump(io.Writer, string)                                          {}

func (allowAll) AuthorizeChannelOpen(context.Context, []byte, *terminal.Caller) (terminal.AccessDecision, error) {
	return terminal.AccessDecision{Allowed: true}, nil
}
