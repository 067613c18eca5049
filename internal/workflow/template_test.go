package workflow

import "testing"

func TestResolveTemplatesWorkflowInput(t *testing.T) {
	tmpl := map[string]any{"doc": "${workflow.input.document}"}
	runInput := map[string]any{"document": "hello world"}

	out := resolveTemplates(tmpl, runInput, nil)
	if out["doc"] != "hello world" {
		t.Fatalf("expected resolved input, got %v", out["doc"])
	}
}

func TestResolveTemplatesStageOutput(t *testing.T) {
	tmpl := map[string]any{"summary": "${extract.output.text}"}
	stageOutputs := map[string]map[string]any{
		"extract": {"text": "extracted text"},
	}

	out := resolveTemplates(tmpl, nil, stageOutputs)
	if out["summary"] != "extracted text" {
		t.Fatalf("expected stage output, got %v", out["summary"])
	}
}

func TestResolveTemplatesNestedPath(t *testing.T) {
	tmpl := map[string]any{"value": "${workflow.input.meta.items.1}"}
	runInput := map[string]any{
		"meta": map[string]any{
			"items": []any{"a", "b", "c"},
		},
	}

	out := resolveTemplates(tmpl, runInput, nil)
	if out["value"] != "b" {
		t.Fatalf("expected indexed array value, got %v", out["value"])
	}
}

func TestResolveTemplatesUnknownReferenceIsEmptyString(t *testing.T) {
	tmpl := map[string]any{"missing": "${workflow.input.nope}"}
	out := resolveTemplates(tmpl, map[string]any{}, nil)
	if out["missing"] != "" {
		t.Fatalf("expected empty string for unknown reference, got %v", out["missing"])
	}
}

func TestResolveTemplatesNonReferenceStringPassesThrough(t *testing.T) {
	tmpl := map[string]any{"literal": "plain text"}
	out := resolveTemplates(tmpl, nil, nil)
	if out["literal"] != "plain text" {
		t.Fatalf("expected literal string unchanged, got %v", out["literal"])
	}
}
