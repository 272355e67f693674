package env

import (
	"errors"
	"reflect"
	"testing"
)

func TestState_AppendOnly(t *testing.T) {
	s := NewState()
	if err := s.Insert("A", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert("B", 2); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert("A", 3); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("expected ErrDuplicateName, got %v", err)
	}
	if v, _ := s.Get("A"); v != 1 {
		t.Errorf("A overwritten: %v", v)
	}
	if !reflect.DeepEqual(s.Names(), []string{"A", "B"}) {
		t.Errorf("unexpected order %v", s.Names())
	}
}

func TestState_Replace(t *testing.T) {
	s := NewState()
	if err := s.Replace("A", 1); err == nil {
		t.Error("expected error replacing a missing entry")
	}
	s.Insert("A", 1)
	s.Insert("B", 2)
	if err := s.Replace("A", 3); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Get("A"); v != 3 {
		t.Errorf("expected 3, got %v", v)
	}
	if names := s.Names(); len(names) != 2 || names[0] != "A" {
		t.Errorf("replace changed order: %v", names)
	}
}

func TestState_CloneIsIndependent(t *testing.T) {
	s := NewState()
	s.Insert("A", 1)
	c := s.Clone()
	c.Insert("B", 2)

	if s.Len() != 1 || c.Len() != 2 {
		t.Errorf("clone shares entries: %d %d", s.Len(), c.Len())
	}
	if _, ok := s.Get("B"); ok {
		t.Error("original sees clone's entry")
	}
}

func TestRunConfig_ConfigForBlock(t *testing.T) {
	var empty RunConfig
	if empty.ConfigForBlock("X") != nil {
		t.Error("expected nil for empty config")
	}
	c := RunConfig{Blocks: map[string]map[string]any{"X": {"use_cache": false}}}
	if c.ConfigForBlock("X")["use_cache"] != false {
		t.Error("expected override")
	}
	if c.ConfigForBlock("Y") != nil {
		t.Error("expected nil for unknown block")
	}
}

func TestEnv_ScriptEnv(t *testing.T) {
	s := NewState()
	s.Insert("A", "x")
	e := &Env{RunID: "r", State: s, Input: 5, Secrets: map[string]string{"K": "v"}}

	plain := e.ScriptEnv(false)
	if _, ok := plain["secrets"]; ok {
		t.Error("secrets leaked")
	}
	if plain["map"] != nil {
		t.Error("expected nil map context")
	}

	inLoop := e.WithState(s.Clone(), &MapContext{Name: "M", Index: 1, Total: 3})
	withSecrets := inLoop.ScriptEnv(true)
	if withSecrets["secrets"].(map[string]any)["K"] != "v" {
		t.Error("expected secrets")
	}
	if withSecrets["map"].(map[string]any)["iteration"] != 1 {
		t.Errorf("unexpected map context %v", withSecrets["map"])
	}
	if e.Map != nil {
		t.Error("WithState mutated the original env")
	}
}
