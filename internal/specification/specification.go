// Package specification parses the YAML text form of an app into an
// ordered, validated list of block declarations.
package specification

import (
	"errors"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every parse and validation error.
var ErrInvalid = errors.New("invalid specification")

// Loop openers and the closer type each one expects.
var closers = map[string]string{
	"map":   "reduce",
	"while": "end",
}

var namePattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// BlockSpec is one declared block.
type BlockSpec struct {
	Type   string         `yaml:"type" json:"type"`
	Name   string         `yaml:"name" json:"name"`
	Config map[string]any `yaml:"config" json:"config"`
	Line   int            `yaml:"-" json:"-"`
}

// Specification is an ordered list of blocks.
type Specification struct {
	Blocks []BlockSpec `yaml:"blocks" json:"blocks"`
}

// Error locates a validation failure.
type Error struct {
	Line   int
	Block  string
	Reason string
}

func (e *Error) Error() string {
	switch {
	case e.Block != "" && e.Line > 0:
		return fmt.Sprintf("%s: block %s (line %d): %s", ErrInvalid, e.Block, e.Line, e.Reason)
	case e.Block != "":
		return fmt.Sprintf("%s: block %s: %s", ErrInvalid, e.Block, e.Reason)
	default:
		return fmt.Sprintf("%s: %s", ErrInvalid, e.Reason)
	}
}

func (e *Error) Unwrap() error { return ErrInvalid }

// Parse decodes and validates specification text.
func Parse(text string) (*Specification, error) {
	var doc struct {
		Blocks []yaml.Node `yaml:"blocks"`
	}
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, &Error{Reason: err.Error()}
	}

	spec := &Specification{Blocks: make([]BlockSpec, 0, len(doc.Blocks))}
	for i := range doc.Blocks {
		node := &doc.Blocks[i]
		var b BlockSpec
		if err := node.Decode(&b); err != nil {
			return nil, &Error{Line: node.Line, Reason: err.Error()}
		}
		b.Line = node.Line
		if b.Config == nil {
			b.Config = map[string]any{}
		}
		spec.Blocks = append(spec.Blocks, b)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Validate checks names, references and loop scoping:
// non-closer names are unique and upper-case, "from" references name an
// earlier block, every loop is closed by its matching closer carrying the
// opener's name, and loops do not nest.
func (s *Specification) Validate() error {
	seen := make(map[string]bool)
	var open *BlockSpec

	for i := range s.Blocks {
		b := &s.Blocks[i]
		if b.Type == "" {
			return &Error{Line: b.Line, Block: b.Name, Reason: "missing type"}
		}
		if !namePattern.MatchString(b.Name) {
			return &Error{Line: b.Line, Block: b.Name, Reason: "name must match [A-Z0-9_]+"}
		}

		if isCloser(b.Type) {
			if open == nil {
				return &Error{Line: b.Line, Block: b.Name, Reason: fmt.Sprintf("%s without an open loop", b.Type)}
			}
			if closers[open.Type] != b.Type || open.Name != b.Name {
				return &Error{Line: b.Line, Block: b.Name,
					Reason: fmt.Sprintf("%s does not close %s %s", b.Type, open.Type, open.Name)}
			}
			open = nil
			continue
		}

		if seen[b.Name] {
			return &Error{Line: b.Line, Block: b.Name, Reason: "duplicate block name"}
		}
		if from, ok := b.Config["from"]; ok {
			ref, isString := from.(string)
			if !isString || !seen[ref] {
				return &Error{Line: b.Line, Block: b.Name, Reason: fmt.Sprintf("from must name an earlier block, got %v", from)}
			}
		}
		seen[b.Name] = true

		if _, isLoop := closers[b.Type]; isLoop {
			if open != nil {
				return &Error{Line: b.Line, Block: b.Name, Reason: fmt.Sprintf("nested loop inside %s %s", open.Type, open.Name)}
			}
			open = b
		}
	}

	if open != nil {
		return &Error{Line: open.Line, Block: open.Name, Reason: fmt.Sprintf("%s is never closed by %s", open.Type, closers[open.Type])}
	}
	return nil
}

// Text renders the specification back to YAML.
func (s *Specification) Text() (string, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func isCloser(blockType string) bool {
	for _, c := range closers {
		if c == blockType {
			return true
		}
	}
	return false
}
