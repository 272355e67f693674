package blocks

import (
	"context"
	"errors"
	"fmt"
	"log"

	"pipecore/internal/env"
	"pipecore/internal/store"
)

// Input outputs the run input.
type Input struct{}

func parseInput(config map[string]any) (Block, error) {
	if err := newParams(TypeInput, config).finish(); err != nil {
		return nil, err
	}
	return &Input{}, nil
}

func (*Input) Type() Type        { return TypeInput }
func (*Input) InnerHash() string { return hashParams(TypeInput, struct{}{}) }
func (*Input) sealed()           {}

func (*Input) Execute(_ context.Context, _ string, e *env.Env) (*Result, error) {
	return &Result{Value: e.Input}, nil
}

// Data outputs the records of an immutable dataset version.
type Data struct {
	DatasetID string `json:"dataset_id"`
	Hash      string `json:"hash"`
}

func parseData(config map[string]any) (Block, error) {
	p := newParams(TypeData, config)
	b := &Data{
		DatasetID: p.requiredString("dataset_id"),
		Hash:      p.requiredString("hash"),
	}
	if err := p.finish(); err != nil {
		return nil, err
	}
	return b, nil
}

func (*Data) Type() Type          { return TypeData }
func (b *Data) InnerHash() string { return hashParams(TypeData, b) }
func (*Data) sealed()             {}

func (b *Data) Execute(ctx context.Context, name string, e *env.Env) (*Result, error) {
	if e.Store == nil {
		return nil, fmt.Errorf("data block: no store configured")
	}
	dataset, err := e.Store.LoadDataset(ctx, e.Project, b.DatasetID, b.Hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("dataset %s@%s not found: %w", b.DatasetID, b.Hash, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset %s@%s: %w", b.DatasetID, b.Hash, err)
	}

	records := make([]any, 0, len(dataset.Records))
	for _, r := range dataset.Records {
		records = append(records, r)
	}
	log.Printf("📦 [DATA] Block '%s': loaded %d records from %s@%s", name, len(records), b.DatasetID, b.Hash)
	return &Result{Value: records}, nil
}
