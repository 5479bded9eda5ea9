package gather

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Label names a known on-chain entity.
type Label struct {
	Address string `yaml:"address" json:"address"`
	Name    string `yaml:"name" json:"name"`
	Type    string `yaml:"type" json:"type"`
	Chain   string `yaml:"chain,omitempty" json:"chain,omitempty"`
}

type labelFile struct {
	Labels []Label `yaml:"labels"`
}

// LabelBook indexes labels by chain and address.
type LabelBook struct {
	byKey map[string]Label
}

// NewLabelBook indexes the given labels. A label without a chain applies to
// every chain.
func NewLabelBook(labels []Label) *LabelBook {
	b := &LabelBook{byKey: make(map[string]Label, len(labels))}
	for _, l := range labels {
		addr := strings.ToLower(strings.TrimSpace(l.Address))
		if addr == "" {
			continue
		}
		l.Address = addr
		b.byKey[labelKey(l.Chain, addr)] = l
	}
	return b
}

// LoadLabels reads a YAML label file. An empty path yields an empty book.
func LoadLabels(path string) (*LabelBook, error) {
	if path == "" {
		return NewLabelBook(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "labels: read %s", path)
	}
	var f labelFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "labels: parse %s", path)
	}
	return NewLabelBook(f.Labels), nil
}

// Lookup returns the label for address on chain, preferring a chain-specific
// entry over a chain-agnostic one.
func (b *LabelBook) Lookup(chain, address string) (Label, bool) {
	if b == nil {
		return Label{}, false
	}
	addr := strings.ToLower(strings.TrimSpace(address))
	if l, ok := b.byKey[labelKey(chain, addr)]; ok {
		return l, true
	}
	l, ok := b.byKey[labelKey("", addr)]
	return l, ok
}

// Len returns the number of labels.
func (b *LabelBook) Len() int {
	if b == nil {
		return 0
	}
	return len(b.byKey)
}

func labelKey(chain, addr string) string {
	return strings.ToLower(strings.TrimSpace(chain)) + "|" + addr
}
