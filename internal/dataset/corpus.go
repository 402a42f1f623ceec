// Package dataset turns a labelled text corpus into fixed-length id
// batches for the training controller.
package dataset

import (
	"bufio"
	"context"
	"io"
	"math/rand"
	"os"
	"strings"

	"github.com/pkg/errors"

	"textcbhg/internal/vocab"
)

// Batch is a minibatch of padded token id sequences and their category ids.
type Batch struct {
	IDs    [][]int
	Labels []int
}

// Size returns the number of examples in b.
func (b Batch) Size() int { return len(b.IDs) }

// Provider yields training batches. BatchesPerEpoch is fixed for the
// lifetime of the provider.
type Provider interface {
	NextBatch(ctx context.Context) (Batch, error)
	BatchesPerEpoch() int
}

// Example is one encoded corpus line.
type Example struct {
	IDs   []int
	Label int
}

// Tokenize lower-cases text and splits it on whitespace.
func Tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// Encode maps text to exactly maxLen ids, truncating long inputs and
// padding short ones with vocab.PadID.
func Encode(v *vocab.Vocabulary, text string, maxLen int) []int {
	ids := make([]int, maxLen)
	for i, tok := range Tokenize(text) {
		if i >= maxLen {
			break
		}
		ids[i] = v.Lookup(tok)
	}
	return ids
}

// LoadCorpus reads "category<TAB>text" lines from path.
func LoadCorpus(path string, v *vocab.Vocabulary, cats *vocab.Categories, maxLen int) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open corpus")
	}
	defer f.Close()
	examples, err := ParseCorpus(f, v, cats, maxLen)
	if err != nil {
		return nil, errors.Wrapf(err, "corpus %s", path)
	}
	return examples, nil
}

// ParseCorpus is LoadCorpus over an arbitrary reader.
func ParseCorpus(r io.Reader, v *vocab.Vocabulary, cats *vocab.Categories, maxLen int) ([]Example, error) {
	var out []Example
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("line %d: missing tab separator", lineNo)
		}
		label, ok := cats.ID(strings.TrimSpace(parts[0]))
		if !ok {
			return nil, errors.Errorf("line %d: unknown category %q", lineNo, parts[0])
		}
		out = append(out, Example{IDs: Encode(v, parts[1], maxLen), Label: label})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Shuffler serves fixed-size batches from an in-memory corpus,
// reshuffling at every epoch boundary. A trailing partial batch is
// dropped.
type Shuffler struct {
	examples  []Example
	batchSize int
	rng       *rand.Rand
	order     []int
	cursor    int
}

// NewShuffler returns a provider over examples.
func NewShuffler(examples []Example, batchSize int, seed int64) (*Shuffler, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset: batch size must be > 0 (got %d)", batchSize)
	}
	if len(examples) < batchSize {
		return nil, errors.Errorf("dataset: %d examples cannot fill a batch of %d", len(examples), batchSize)
	}
	s := &Shuffler{
		examples:  examples,
		batchSize: batchSize,
		rng:       rand.New(rand.NewSource(seed)),
		order:     make([]int, len(examples)),
	}
	for i := range s.order {
		s.order[i] = i
	}
	s.shuffle()
	return s, nil
}

func (s *Shuffler) shuffle() {
	s.rng.Shuffle(len(s.order), func(i, j int) {
		s.order[i], s.order[j] = s.order[j], s.order[i]
	})
	s.cursor = 0
}

// BatchesPerEpoch implements Provider.
func (s *Shuffler) BatchesPerEpoch() int {
	return len(s.examples) / s.batchSize
}

// NextBatch implements Provider.
func (s *Shuffler) NextBatch(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	if s.cursor+s.batchSize > s.BatchesPerEpoch()*s.batchSize {
		s.shuffle()
	}
	b := Batch{
		IDs:    make([][]int, s.batchSize),
		Labels: make([]int, s.batchSize),
	}
	for i := 0; i < s.batchSize; i++ {
		ex := s.examples[s.order[s.cursor+i]]
		b.IDs[i] = ex.IDs
		b.Labels[i] = ex.Label
	}
	s.cursor += s.batchSize
	return b, nil
}

// Batches splits examples into consecutive batches of at most size
// elements, keeping the trailing partial batch. It is used for
// evaluation where every example counts.
func Batches(examples []Example, size int) []Batch {
	var out []Batch
	for start := 0; start < len(examples); start += size {
		end := start + size
		if end > len(examples) {
			end = len(examples)
		}
		b := Batch{}
		for _, ex := range examples[start:end] {
			b.IDs = append(b.IDs, ex.IDs)
			b.Labels = append(b.Labels, ex.Label)
		}
		out = append(out, b)
	}
	return out
}
