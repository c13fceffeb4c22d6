package policy

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimplyPrint/se-broker/internal/terminal"
)

const testPolicy = `version: 1
refresh_tag: "1"
identities:
  wallet: ["aabbcc"]
rules:
  - name: default-app
    aid: default
    callers: ["*"]
    allow: true
  - name: payment
    aid: A0000000041010
    callers: [wallet]
    allow: true
  - name: payment-deny
    aid: A0000000041010
    callers: ["*"]
    allow: false
  - name: ara-m
    aid: A00000015141434C00
    allow: false
  - name: pinned
    aid: A000000151000000
    cert_hashes: ["aabbcc"]
    allow: true
  - name: reader-b-only
    aid: D27600012401
    terminals: ["Reader B"]
    allow: true
  - name: tester-any
    aid: "*"
    callers: [tester]
    allow: true
  - name: tester-deny-ara
    aid: A00000015141434C00
    callers: [tester]
    allow: false
`

func writePolicy(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func loadedEvaluator(t *testing.T, terminalName string) *Evaluator {
	t.Helper()
	e := NewEvaluator(writePolicy(t, "policy.yaml", testPolicy), terminalName)
	ok, err := e.Initialize(context.Background(), true, nil)
	require.NoError(t, err)
	require.True(t, ok)
	return e
}

func TestAuthorizeChannelOpen(t *testing.T) {
	tests := []struct {
		name     string
		terminal string
		aid      string
		caller   string
		allowed  bool
		rule     string
		reason   string
	}{
		{name: "default application", terminal: "Reader A", caller: "anyone", allowed: true, rule: "default-app"},
		{name: "named caller", terminal: "Reader A", aid: "a0000000041010", caller: "wallet", allowed: true, rule: "payment"},
		{name: "wildcard deny", terminal: "Reader A", aid: "a0000000041010", caller: "other", rule: "payment-deny", reason: "denied by payment-deny"},
		{name: "rule without callers", terminal: "Reader A", aid: "a00000015141434c00", caller: "other", rule: "ara-m", reason: "denied by ara-m"},
		{name: "most specific wins", terminal: "Reader A", aid: "a00000015141434c00", caller: "tester", rule: "tester-deny-ara", reason: "denied by tester-deny-ara"},
		{name: "certificate hash", terminal: "Reader A", aid: "a000000151000000", caller: "wallet", allowed: true, rule: "pinned"},
		{name: "certificate hash mismatch", terminal: "Reader A", aid: "a000000151000000", caller: "other", reason: "no matching rule"},
		{name: "other terminal", terminal: "Reader A", aid: "d27600012401", caller: "other", reason: "no matching rule"},
		{name: "scoped terminal", terminal: "Reader B", aid: "d27600012401", caller: "other", allowed: true, rule: "reader-b-only"},
		{name: "wildcard aid", terminal: "Reader A", aid: "d2760000850101", caller: "tester", allowed: true, rule: "tester-any"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := loadedEvaluator(t, tt.terminal)
			var aid []byte
			if tt.aid != "" {
				aid = mustHex(t, tt.aid)
			}

			d, err := e.AuthorizeChannelOpen(context.Background(), aid, &terminal.Caller{Name: tt.caller})
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.rule, d.Rule)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestDenyWinsTie(t *testing.T) {
	path := writePolicy(t, "policy.yaml", `rules:
  - {name: allow, aid: "*", allow: true}
  - {name: deny, aid: "*", allow: false}
  - {name: allow-again, aid: "*", allow: true}
`)
	e := NewEvaluator(path, "Reader A")
	_, err := e.Initialize(context.Background(), true, nil)
	require.NoError(t, err)

	d, err := e.AuthorizeChannelOpen(context.Background(), []byte{1, 2, 3, 4, 5}, &terminal.Caller{Name: "x"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "deny", d.Rule)
}

func TestAuthorizeBeforeInitialize(t *testing.T) {
	e := NewEvaluator(writePolicy(t, "policy.yaml", testPolicy), "Reader A")

	d, err := e.AuthorizeChannelOpen(context.Background(), nil, &terminal.Caller{Name: "anyone"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "access rules not loaded", d.Reason)

	_, err = e.AuthorizeChannelOpen(context.Background(), nil, nil)
	assert.ErrorIs(t, err, terminal.ErrNilArgument)
}

func TestReset(t *testing.T) {
	e := loadedEvaluator(t, "Reader A")
	e.Reset()

	d, err := e.AuthorizeChannelOpen(context.Background(), nil, &terminal.Caller{Name: "anyone"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestInitializeRefreshTag(t *testing.T) {
	path := writePolicy(t, "policy.yaml", `refresh_tag: "1"
rules:
  - {name: first, aid: "*", allow: true}
`)
	e := NewEvaluator(path, "Reader A")
	_, err := e.Initialize(context.Background(), true, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`refresh_tag: "1"
rules:
  - {name: second, aid: "*", allow: false}
`), 0644))

	caller := &terminal.Caller{Name: "x"}
	aid := []byte{1, 2, 3, 4, 5}

	// same tag: kept
	_, err = e.Initialize(context.Background(), false, nil)
	require.NoError(t, err)
	d, _ := e.AuthorizeChannelOpen(context.Background(), aid, caller)
	assert.Equal(t, "first", d.Rule)

	// forced: reloaded
	_, err = e.Initialize(context.Background(), true, nil)
	require.NoError(t, err)
	d, _ = e.AuthorizeChannelOpen(context.Background(), aid, caller)
	assert.Equal(t, "second", d.Rule)
}

func TestInitializeErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "missing file", file: ""},
		{name: "bad extension", file: "policy.txt", content: "rules: []"},
		{name: "bad yaml", file: "policy.yaml", content: "rules: [:"},
		{name: "bad aid", file: "policy.yaml", content: "rules:\n  - {aid: zz, allow: true}\n"},
		{name: "missing aid", file: "policy.yaml", content: "rules:\n  - {allow: true}\n"},
		{name: "bad certificate hash", file: "policy.yaml", content: "rules:\n  - {aid: \"*\", cert_hashes: [xyz]}\n"},
		{name: "bad identity", file: "policy.yaml", content: "identities: {a: [q]}\nrules: []\n"},
		{name: "unknown json field", file: "policy.json", content: `{"rules": [], "extra": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "missing.yaml")
			if tt.file != "" {
				path = writePolicy(t, tt.file, tt.content)
			}
			ok, err := NewEvaluator(path, "Reader A").Initialize(context.Background(), true, nil)
			assert.Error(t, err)
			assert.False(t, ok)
		})
	}
}

func TestInitializeEmptyPolicy(t *testing.T) {
	e := NewEvaluator(writePolicy(t, "policy.yaml", "version: 1\n"), "Reader A")
	ok, err := e.Initialize(context.Background(), true, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInitializeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEvaluator(writePolicy(t, "policy.yaml", testPolicy), "Reader A").Initialize(ctx, true, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

type resolverFunc func(name string) ([][]byte, error)

func (f resolverFunc) ResolveCaller(name string) ([][]byte, error) { return f(name) }

func TestCallerResolver(t *testing.T) {
	e := loadedEvaluator(t, "Reader A")
	aid := mustHex(t, "a000000151000000")

	e.SetCallerResolver(resolverFunc(func(name string) ([][]byte, error) {
		if name == "signed-app" {
			return [][]byte{{0xAA, 0xBB, 0xCC}}, nil
		}
		return nil, nil
	}))

	d, err := e.AuthorizeChannelOpen(context.Background(), aid, &terminal.Caller{Name: "signed-app"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// the resolver replaces the file identities
	d, err = e.AuthorizeChannelOpen(context.Background(), aid, &terminal.Caller{Name: "wallet"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	e.SetCallerResolver(resolverFunc(func(string) ([][]byte, error) {
		return nil, errors.New("keystore locked")
	}))
	_, err = e.AuthorizeChannelOpen(context.Background(), aid, &terminal.Caller{Name: "wallet"})
	assert.ErrorContains(t, err, "keystore locked")
}

func TestLoadFormats(t *testing.T) {
	want := &File{
		Version:    2,
		RefreshTag: "abc",
		Identities: map[string][]string{"wallet": {"aabbcc"}},
		Rules: []Rule{
			{Name: "payment", AID: "A0000000041010", Callers: []string{"wallet"}, Allow: true},
			{Name: "rest", AID: Wildcard, Terminals: []string{"Reader A"}},
		},
	}

	for _, format := range []Format{FormatYAML, FormatJSON, FormatCBOR} {
		t.Run(string(format), func(t *testing.T) {
			data, err := Encode(want, format)
			require.NoError(t, err)

			path := filepath.Join(t.TempDir(), "policy."+string(format))
			require.NoError(t, os.WriteFile(path, data, 0644))

			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestFormatFor(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{path: "policy.yaml", want: FormatYAML},
		{path: "/etc/se-broker/POLICY.YML", want: FormatYAML},
		{path: "rules.json", want: FormatJSON},
		{path: "rules.cbor", want: FormatCBOR},
		{path: "rules.toml", wantErr: true},
		{path: "rules", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := FormatFor(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnsureFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "policy.yaml")

	created, err := EnsureFile(path)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = EnsureFile(path)
	require.NoError(t, err)
	assert.False(t, created)

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultFile(), f)
}

func TestDump(t *testing.T) {
	e := NewEvaluator(writePolicy(t, "policy.yaml", testPolicy), "Reader A")

	var buf bytes.Buffer
	e.Dump(&buf, "  ")
	assert.Contains(t, buf.String(), "not loaded")

	_, err := e.Initialize(context.Background(), true, nil)
	require.NoError(t, err)

	buf.Reset()
	e.Dump(&buf, "  ")
	out := buf.String()
	assert.Contains(t, out, "refresh tag: 1")
	assert.Contains(t, out, "payment: allow aid=A0000000041010 callers=[wallet]")
	assert.Contains(t, out, "default-app: allow aid=default")
	assert.Contains(t, out, "tester-any: allow aid=*")
}

func TestFactory(t *testing.T) {
	path := writePolicy(t, "policy.yaml", testPolicy)
	term, err := terminal.New("Reader B", terminal.Options{NewEvaluator: Factory(path)})
	require.NoError(t, err)

	ev, ok := Factory(path)(term).(*Evaluator)
	require.True(t, ok)
	assert.Equal(t, "Reader B", ev.terminal)
	assert.Equal(t, path, ev.path)
}
