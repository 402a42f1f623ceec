package model

import (
	"gorgonia.org/tensor"
)

// Param is one named parameter value.
type Param struct {
	Name      string
	Value     tensor.Tensor
	Trainable bool
}

// Params is an ordered set of named parameter values. Trainable entries
// are updated by the optimizer; the rest are batch-norm moving
// statistics. A nil *Params behaves as an empty set.
type Params struct {
	byName map[string]*Param
	names  []string
}

// NewParams returns an empty set.
func NewParams() *Params {
	return &Params{byName: make(map[string]*Param)}
}

// Set stores v under name, keeping the original insertion position when
// name already exists.
func (p *Params) Set(name string, v tensor.Tensor, trainable bool) {
	if e, ok := p.byName[name]; ok {
		e.Value = v
		e.Trainable = trainable
		return
	}
	p.byName[name] = &Param{Name: name, Value: v, Trainable: trainable}
	p.names = append(p.names, name)
}

// Get returns the value stored under name.
func (p *Params) Get(name string) (tensor.Tensor, bool) {
	if p == nil {
		return nil, false
	}
	e, ok := p.byName[name]
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Names returns parameter names in insertion order.
func (p *Params) Names() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.names...)
}

// Entries returns the parameters in insertion order.
func (p *Params) Entries() []Param {
	if p == nil {
		return nil
	}
	out := make([]Param, 0, len(p.names))
	for _, n := range p.names {
		out = append(out, *p.byName[n])
	}
	return out
}

// Len returns the number of entries.
func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.names)
}

// Clone deep-copies every value.
func (p *Params) Clone() *Params {
	out := NewParams()
	for _, e := range p.Entries() {
		out.Set(e.Name, e.Value.Clone().(tensor.Tensor), e.Trainable)
	}
	return out
}

// NumTrainable counts the scalar weights in trainable entries.
func (p *Params) NumTrainable() int {
	total := 0
	for _, e := range p.Entries() {
		if e.Trainable {
			total += e.Value.Shape().TotalSize()
		}
	}
	return total
}
