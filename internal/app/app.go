// Package app builds an App from a specification and runs it: blocks
// execute in declaration order, loop scopes expand per iteration, and every
// output is folded into the run state and optionally persisted.
package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"pipecore/internal/blocks"
	"pipecore/internal/specification"
	"pipecore/internal/store"
)

// ErrInvalidSpecification is wrapped by every construction error.
var ErrInvalidSpecification = specification.ErrInvalid

// NamedBlock is a block with the name it was declared under.
type NamedBlock struct {
	Name  string
	Block blocks.Block
}

// App is an immutable, parsed specification.
type App struct {
	spec   *specification.Specification
	blocks []NamedBlock
	hash   string
}

// New parses specification text into an App.
func New(text string) (*App, error) {
	spec, err := specification.Parse(text)
	if err != nil {
		return nil, err
	}
	return FromSpecification(spec)
}

// FromSpecification builds the blocks of spec and the app hash.
func FromSpecification(spec *specification.Specification) (*App, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: nil specification", ErrInvalidSpecification)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	a := &App{spec: spec, blocks: make([]NamedBlock, 0, len(spec.Blocks))}
	for _, bs := range spec.Blocks {
		b, err := blocks.Parse(bs.Type, bs.Config)
		if err != nil {
			return nil, fmt.Errorf("%w: block %s (line %d): %w", ErrInvalidSpecification, bs.Name, bs.Line, err)
		}
		a.blocks = append(a.blocks, NamedBlock{Name: bs.Name, Block: b})
	}
	a.hash = hashBlocks(a.blocks)
	return a, nil
}

// hashBlocks folds block names and inner hashes in order:
// h(i) = sha256(h(i-1) || name(i) || inner(i)) with h(0) empty. An empty
// app hashes to sha256("").
func hashBlocks(bs []NamedBlock) string {
	if len(bs) == 0 {
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:])
	}
	prev := ""
	for _, b := range bs {
		h := sha256.New()
		h.Write([]byte(prev))
		h.Write([]byte(b.Name))
		h.Write([]byte(b.Block.InnerHash()))
		prev = hex.EncodeToString(h.Sum(nil))
	}
	return prev
}

// Hash is the content-addressed version of the app.
func (a *App) Hash() string { return a.hash }

// Blocks returns the blocks in declaration order.
func (a *App) Blocks() []NamedBlock {
	return append([]NamedBlock(nil), a.blocks...)
}

// Specification returns the parsed specification.
func (a *App) Specification() *specification.Specification { return a.spec }

// RegisterSpecification stores the specification text under the app hash
// unless it is already registered.
func RegisterSpecification(ctx context.Context, st store.Store, project store.Project, a *App) error {
	_, err := st.LoadSpecification(ctx, project, a.hash)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to load specification %s: %w", a.hash, err)
	}
	text, err := a.spec.Text()
	if err != nil {
		return fmt.Errorf("failed to render specification: %w", err)
	}
	return st.RegisterSpecification(ctx, project, a.hash, text)
}
