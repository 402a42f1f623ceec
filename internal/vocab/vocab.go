// Package vocab maps tokens and category names to dense integer ids.
package vocab

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Reserved token ids.
const (
	PadID = 0
	UnkID = 1

	PadToken = "<PAD>"
	UnkToken = "<UNK>"
)

// Table is a bijection between strings and dense ids.
type Table struct {
	toID map[string]int
	byID []string
}

func newTable() *Table {
	return &Table{toID: make(map[string]int)}
}

func (t *Table) add(s string) error {
	if _, ok := t.toID[s]; ok {
		return errors.Errorf("duplicate entry %q", s)
	}
	t.toID[s] = len(t.byID)
	t.byID = append(t.byID, s)
	return nil
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.byID) }

// ID returns the id for s.
func (t *Table) ID(s string) (int, bool) {
	id, ok := t.toID[s]
	return id, ok
}

// Name returns the string for id, or "" when id is out of range.
func (t *Table) Name(id int) string {
	if id < 0 || id >= len(t.byID) {
		return ""
	}
	return t.byID[id]
}

// Vocabulary is the token table. Ids 0 and 1 are always <PAD> and <UNK>.
type Vocabulary struct {
	*Table
}

// NewVocabulary builds a vocabulary from tokens, inserting the reserved
// tokens in front when they are missing.
func NewVocabulary(tokens []string) (*Vocabulary, error) {
	t := newTable()
	_ = t.add(PadToken)
	_ = t.add(UnkToken)
	for _, tok := range tokens {
		if tok == PadToken || tok == UnkToken {
			continue
		}
		if err := t.add(tok); err != nil {
			return nil, errors.Wrap(err, "vocab")
		}
	}
	return &Vocabulary{Table: t}, nil
}

// Lookup maps a token to its id, falling back to UnkID.
func (v *Vocabulary) Lookup(token string) int {
	if id, ok := v.ID(token); ok {
		return id
	}
	return UnkID
}

// Decode joins the tokens of ids, skipping padding.
func (v *Vocabulary) Decode(ids []int) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == PadID {
			continue
		}
		w := v.Name(id)
		if w == "" {
			w = UnkToken
		}
		words = append(words, w)
	}
	return strings.Join(words, " ")
}

// Categories is the label table.
type Categories struct {
	*Table
}

// NewCategories builds a category table; names must be unique.
func NewCategories(names []string) (*Categories, error) {
	t := newTable()
	for _, n := range names {
		if err := t.add(n); err != nil {
			return nil, errors.Wrap(err, "labels")
		}
	}
	if t.Len() == 0 {
		return nil, errors.New("labels: no categories")
	}
	return &Categories{Table: t}, nil
}

// LoadVocabulary reads one token per line. Anything after a tab (for
// example a frequency count) is ignored.
func LoadVocabulary(path string) (*Vocabulary, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, errors.Wrap(err, "load vocab")
	}
	return NewVocabulary(lines)
}

// LoadCategories reads one category name per line.
func LoadCategories(path string) (*Categories, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, errors.Wrap(err, "load labels")
	}
	return NewCategories(lines)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseLines(f)
}

func parseLines(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '\t'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
