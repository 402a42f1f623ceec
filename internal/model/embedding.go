package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// EmbeddingTable is the parameter name of the token lookup table.
const EmbeddingTable = "enc_embed/lookup_table"

// embed looks up one hidden_units vector per token. onehot is the
// (batch*steps, vocab) matrix produced by EncodeIDs; the lookup is a
// product with the (vocab, hidden_units) table so gradients reach the
// rows that were used.
func (b *builder) embed(onehot *gorgonia.Node) (*gorgonia.Node, error) {
	table, err := b.weight(EmbeddingTable, tensor.Shape{b.cfg.VocabSize, b.cfg.HiddenUnits}, gorgonia.GlorotU(1.0))
	if err != nil {
		return nil, err
	}
	out, err := gorgonia.Mul(onehot, table)
	if err != nil {
		return nil, errors.Wrap(err, "embedding lookup")
	}
	return b.sequence(out)
}
