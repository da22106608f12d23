package bkd

import (
	"io"

	"github.com/hupe1980/bkd/internal/store"
)

// Output is the sequential stream a tree is written to.
type Output = store.Output

// Input is the random-access view a tree is read from.
type Input = store.Input

// NewOutput returns an Output streaming to w.
func NewOutput(name string, w io.Writer) *Output { return store.NewOutput(name, w) }

// NewMemoryOutput returns an Output buffering in memory.
func NewMemoryOutput(name string) *Output { return store.NewMemoryOutput(name) }

// NewInput returns an Input over data.
func NewInput(name string, data []byte) *Input { return store.NewInput(name, data) }
