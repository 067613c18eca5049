package workflow

import (
	"testing"

	"github.com/relaykit/orchestrate/internal/store"
)

func TestLevelsOrdersByDependency(t *testing.T) {
	stages := []store.StageDefinition{
		{ID: "c", Dependencies: []string{"a", "b"}},
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
	}

	lvls, err := levels(stages)
	if err != nil {
		t.Fatalf("levels: %v", err)
	}
	if len(lvls) != 3 {
		t.Fatalf("expected 3 levels, got %d: %+v", len(lvls), lvls)
	}
	if len(lvls[0]) != 1 || lvls[0][0].ID != "a" {
		t.Fatalf("expected level 0 = [a], got %+v", lvls[0])
	}
	if len(lvls[1]) != 1 || lvls[1][0].ID != "b" {
		t.Fatalf("expected level 1 = [b], got %+v", lvls[1])
	}
	if len(lvls[2]) != 1 || lvls[2][0].ID != "c" {
		t.Fatalf("expected level 2 = [c], got %+v", lvls[2])
	}
}

func TestLevelsGroupsIndependentStagesTogether(t *testing.T) {
	stages := []store.StageDefinition{
		{ID: "fan1", Dependencies: []string{"root"}},
		{ID: "fan2", Dependencies: []string{"root"}},
		{ID: "root"},
	}

	lvls, err := levels(stages)
	if err != nil {
		t.Fatalf("levels: %v", err)
	}
	if len(lvls) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(lvls))
	}
	if len(lvls[1]) != 2 {
		t.Fatalf("expected fan1/fan2 in same level, got %+v", lvls[1])
	}
}

func TestLevelsDetectsCycle(t *testing.T) {
	stages := []store.StageDefinition{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	}
	if _, err := levels(stages); err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestLevelsDetectsUnknownDependency(t *testing.T) {
	stages := []store.StageDefinition{
		{ID: "a", Dependencies: []string{"ghost"}},
	}
	if _, err := levels(stages); err == nil {
		t.Fatal("expected unknown dependency error")
	}
}
