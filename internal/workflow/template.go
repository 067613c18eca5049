package workflow

import (
	"strconv"
	"strings"
)

// resolveTemplates walks every string value in tmpl and substitutes
// `${...}` references: `workflow.input.<key>` reads the run
// input, `<stage_id>.output.<path>` reads a prior stage's output. Unknown
// references resolve to empty string.
func resolveTemplates(tmpl map[string]any, runInput map[string]any, stageOutputs map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(tmpl))
	for k, v := range tmpl {
		out[k] = resolveValue(v, runInput, stageOutputs)
	}
	return out
}

func resolveValue(v any, runInput map[string]any, stageOutputs map[string]map[string]any) any {
	switch val := v.(type) {
	case string:
		return resolveString(val, runInput, stageOutputs)
	case map[string]any:
		return resolveTemplates(val, runInput, stageOutputs)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, runInput, stageOutputs)
		}
		return out
	default:
		return val
	}
}

// resolveString substitutes a single `${...}` reference occupying the
// whole string (the common case for input templates); a string with no
// reference is returned unchanged.
func resolveString(s string, runInput map[string]any, stageOutputs map[string]map[string]any) any {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return s
	}
	ref := strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")
	parts := strings.Split(ref, ".")
	if len(parts) < 2 {
		return ""
	}

	var root map[string]any
	var path []string
	if parts[0] == "workflow" && parts[1] == "input" {
		root = runInput
		path = parts[2:]
	} else {
		stageID := parts[0]
		if len(parts) < 3 || parts[1] != "output" {
			return ""
		}
		output, ok := stageOutputs[stageID]
		if !ok {
			return ""
		}
		root = output
		path = parts[2:]
	}

	val, ok := traverse(root, path)
	if !ok {
		return ""
	}
	return val
}

// traverse supports nested object/array access by dotted path, with
// numeric segments indexing into arrays.
func traverse(root map[string]any, path []string) (any, bool) {
	var cur any = root
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
