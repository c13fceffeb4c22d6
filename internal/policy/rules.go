// Package policy implements a file backed access control evaluator. A rule
// file lists which callers may open channels to which applications; it is
// read as YAML, JSON or CBOR depending on its extension.
package policy

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

// Wildcard matches any AID, caller or terminal.
const Wildcard = "*"

// DefaultApplication is the AID value matching requests for the card's
// default application (no AID).
const DefaultApplication = "default"

// File is the on-disk rule file.
type File struct {
	Version int `yaml:"version" json:"version"`

	// RefreshTag changes whenever the rules change. A non-forced
	// initialization keeps the loaded rules when the tag is unchanged.
	RefreshTag string `yaml:"refresh_tag,omitempty" json:"refresh_tag,omitempty"`

	// Identities maps caller names to the hex encoded certificate hashes
	// that vouch for them. Used when no CallerResolver is set.
	Identities map[string][]string `yaml:"identities,omitempty" json:"identities,omitempty"`

	Rules []Rule `yaml:"rules" json:"rules"`
}

// Rule grants or denies callers access to an application.
type Rule struct {
	Name       string   `yaml:"name,omitempty" json:"name,omitempty"`
	AID        string   `yaml:"aid" json:"aid"`
	Terminals  []string `yaml:"terminals,omitempty" json:"terminals,omitempty"`
	Callers    []string `yaml:"callers,omitempty" json:"callers,omitempty"`
	CertHashes []string `yaml:"cert_hashes,omitempty" json:"cert_hashes,omitempty"`
	Allow      bool     `yaml:"allow" json:"allow"`
}

// Format is a rule file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// FormatFor picks the encoding from a file name.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cbor":
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("unsupported policy file extension %q", filepath.Ext(path))
	}
}

var cborDec cbor.DecMode

func init() {
	var err error
	cborDec, err = cbor.DecOptions{
		IntDec: cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder: %v", err))
	}
}

// Decode parses a rule file in the given format.
func Decode(data []byte, format Format) (*File, error) {
	var f File
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &f)
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&f)
	case FormatCBOR:
		err = cborDec.Unmarshal(data, &f)
	default:
		return nil, fmt.Errorf("unsupported policy format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s policy: %w", format, err)
	}
	return &f, nil
}

// Encode serializes a rule file in the given format.
func Encode(f *File, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(f)
	case FormatJSON:
		return json.MarshalIndent(f, "", "  ")
	case FormatCBOR:
		return cbor.Marshal(f)
	default:
		return nil, fmt.Errorf("unsupported policy format %q", format)
	}
}

// Load reads and parses the rule file at path.
func Load(path string) (*File, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Decode(data, format)
}

type compiledRule struct {
	name       string
	anyAID     bool
	aid        []byte // nil with anyAID unset means the default application
	terminals  []string
	callers    []string
	certHashes [][]byte
	allow      bool
}

func compile(f *File) ([]compiledRule, error) {
	rules := make([]compiledRule, 0, len(f.Rules))
	for i, r := range f.Rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule %d", i)
		}
		cr := compiledRule{
			name:      name,
			terminals: r.Terminals,
			callers:   r.Callers,
			allow:     r.Allow,
		}

		switch strings.ToLower(strings.TrimSpace(r.AID)) {
		case Wildcard:
			cr.anyAID = true
		case DefaultApplication:
		case "":
			return nil, fmt.Errorf("%s: missing aid", name)
		default:
			aid, err := hex.DecodeString(strings.TrimSpace(r.AID))
			if err != nil {
				return nil, fmt.Errorf("%s: invalid aid %q: %w", name, r.AID, err)
			}
			cr.aid = aid
		}

		for _, h := range r.CertHashes {
			b, err := hex.DecodeString(h)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid certificate hash %q: %w", name, h, err)
			}
			cr.certHashes = append(cr.certHashes, b)
		}
		rules = append(rules, cr)
	}
	return rules, nil
}

func (r *compiledRule) matchesAID(aid []byte) bool {
	if r.anyAID {
		return true
	}
	if aid == nil {
		return r.aid == nil
	}
	return r.aid != nil && bytes.Equal(r.aid, aid)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == Wildcard || s == v {
			return true
		}
	}
	return false
}

func (r *compiledRule) matchesTerminal(name string) bool {
	return len(r.terminals) == 0 || contains(r.terminals, name)
}

// specificity orders matching rules: an exact AID beats the wildcard and
// a rule naming the caller beats one matching everyone.
func (r *compiledRule) specificity(named bool) int {
	s := 0
	if !r.anyAID {
		s += 2
	}
	if named {
		s++
	}
	return s
}

// DefaultFile is written when no rule file exists yet. It lets every
// caller reach every application.
func DefaultFile() *File {
	return &File{
		Version: 1,
		Rules: []Rule{
			{Name: "allow-all", AID: Wildcard, Callers: []string{Wildcard}, Allow: true},
		},
	}
}

// EnsureFile writes DefaultFile to path unless a file is already there.
// It reports whether it created one.
func EnsureFile(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to stat policy file: %w", err)
	}

	format, err := FormatFor(path)
	if err != nil {
		return false, err
	}
	data, err := Encode(DefaultFile(), format)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create policy directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return false, fmt.Errorf("failed to write policy file: %w", err)
	}
	return true, nil
}
