// Package docpath implements the path arithmetic shared by the store
// adapters: slash-separated document paths where the last segment of an
// update path names a field inside the enclosing document.
package docpath

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Join concatenates path segments, ignoring empty ones.
func Join(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// Split separates a full field path into the enclosing document path and the
// field name. A path with a single segment addresses a field of the root
// document (empty document path).
func Split(full string) (docPath, field string) {
	full = strings.Trim(full, "/")
	idx := strings.LastIndexByte(full, '/')
	if idx < 0 {
		return "", full
	}
	return full[:idx], full[idx+1:]
}

// GroupFields resolves every field path in fields against root and groups the
// values by enclosing document. The result maps document path to the fields
// to merge into that document.
func GroupFields(root string, fields map[string]any) map[string]map[string]any {
	grouped := make(map[string]map[string]any)
	for fieldPath, value := range fields {
		docPath, field := Split(Join(root, fieldPath))
		if field == "" {
			continue
		}
		doc, ok := grouped[docPath]
		if !ok {
			doc = make(map[string]any)
			grouped[docPath] = doc
		}
		doc[field] = value
	}
	return grouped
}

// Merge overlays fields onto the JSON document in data. A nil or empty data
// starts from an empty document. Returns the re-encoded document.
func Merge(data []byte, fields map[string]any) ([]byte, error) {
	doc := make(map[string]any)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("existing document is not a JSON object: %w", err)
		}
	}
	for k, v := range fields {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode merged document: %w", err)
	}
	return merged, nil
}
