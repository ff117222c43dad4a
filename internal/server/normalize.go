package server

import (
	"fmt"
	"strings"
)

// normalizeCompletion coerces any of the known provider response shapes into
// one plain string: runs of whitespace collapse to single spaces and the
// result is trimmed. With stripArtifacts set, leading "?" runs and a leading
// "Assistant:" label (both observed provider artifacts) are removed as well.
func normalizeCompletion(raw RawResponse, stripArtifacts bool) string {
	text := flattenResponse(raw)

	text = strings.Join(strings.Fields(text), " ")
	if stripArtifacts {
		text = strings.TrimSpace(strings.TrimLeft(text, "?"))
		text = strings.TrimSpace(strings.TrimPrefix(text, "Assistant:"))
	}
	return strings.TrimSpace(text)
}

func flattenResponse(raw RawResponse) string {
	switch {
	case raw.Content != nil:
		return *raw.Content
	case raw.Map != nil:
		if generations, ok := raw.Map["generations"]; ok {
			return joinGenerations(generations)
		}
		if output, ok := raw.Map["output"]; ok {
			return toString(output)
		}
		return toString(raw.Map)
	case raw.List != nil:
		parts := make([]string, 0, len(raw.List))
		for _, part := range raw.List {
			parts = append(parts, toString(part))
		}
		return strings.Join(parts, "\n")
	case raw.Text != nil:
		return *raw.Text
	default:
		return ""
	}
}

func joinGenerations(value any) string {
	entries, ok := value.([]any)
	if !ok {
		return toString(value)
	}
	parts := make([]string, 0, len(entries))
	for _, entry := range entries {
		generation, ok := entry.(map[string]any)
		if !ok {
			parts = append(parts, "")
			continue
		}
		// Missing text fields contribute an empty line, matching the join
		// semantics of the provider SDK this replaces.
		parts = append(parts, toString(generation["text"]))
	}
	return strings.Join(parts, "\n")
}

func toString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
