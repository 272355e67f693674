// Package blocks implements every block variant an app can declare. Block
// is a closed set: only types in this package implement it.
package blocks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"pipecore/internal/env"
)

// Type is a block type tag as written in specifications.
type Type string

const (
	TypeInput          Type = "input"
	TypeData           Type = "data"
	TypeDataSource     Type = "data_source"
	TypeDatabaseSchema Type = "database_schema"
	TypeDatabase       Type = "database"
	TypeCode           Type = "code"
	TypeCurl           Type = "curl"
	TypeBrowser        Type = "browser"
	TypeSearch         Type = "search"
	TypeReplit         Type = "replit"
	TypeGoogleAnswer   Type = "google_answer"
	TypeLLM            Type = "llm"
	TypeMap            Type = "map"
	TypeReduce         Type = "reduce"
	TypeWhile          Type = "while"
	TypeEnd            Type = "end"
)

// Result is the output of one block execution.
type Result struct {
	Value any            `json:"value"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Block is one parsed, immutable block.
type Block interface {
	Type() Type
	// InnerHash is a stable digest of the block's own parameters.
	InnerHash() string
	// Execute runs the block against e without mutating it.
	Execute(ctx context.Context, name string, e *env.Env) (*Result, error)

	sealed()
}

type parser func(config map[string]any) (Block, error)

var parsers = map[Type]parser{
	TypeInput:          parseInput,
	TypeData:           parseData,
	TypeDataSource:     parseDataSource,
	TypeDatabaseSchema: parseDatabaseSchema,
	TypeDatabase:       parseDatabase,
	TypeCode:           parseCode,
	TypeCurl:           parseCurl,
	TypeBrowser:        parseBrowser,
	TypeSearch:         parseSearch,
	TypeReplit:         parseReplit,
	TypeGoogleAnswer:   parseGoogleAnswer,
	TypeLLM:            parseLLM,
	TypeMap:            parseMap,
	TypeReduce:         parseReduce,
	TypeWhile:          parseWhile,
	TypeEnd:            parseEnd,
}

// Parse builds the block of the given type from its configuration.
func Parse(blockType string, config map[string]any) (Block, error) {
	p, ok := parsers[Type(blockType)]
	if !ok {
		return nil, &ConfigError{BlockType: blockType, Reason: "unknown block type"}
	}
	if config == nil {
		config = map[string]any{}
	}
	return p(config)
}

// hashParams digests a type tag and the JSON encoding of a params struct.
// Struct fields encode in declaration order and map keys sorted, so the
// digest is stable across processes.
func hashParams(t Type, params any) string {
	h := sha256.New()
	h.Write([]byte(t))
	h.Write([]byte{0})
	data, err := json.Marshal(params)
	if err != nil {
		panic(fmt.Sprintf("blocks: unhashable %s params: %v", t, err))
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
