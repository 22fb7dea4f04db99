package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/triage-ai/palisade/services/trifecta_gate/internal/condition"
	"gopkg.in/yaml.v3"
)

// Tool maps a tool identifier to the risk condition invoking it grants.
type Tool struct {
	Name        string
	Condition   condition.Condition // None for benign tools
	Description string
}

// Document is the catalog as served by GET /api/tools.
type Document struct {
	Tools      []any          `json:"tools"`
	Conditions map[string]any `json:"conditions"`
}

// Catalog is the read-only tool → condition table. Immutable after load,
// so lookups need no synchronization.
type Catalog struct {
	tools  []Tool
	byName map[string]condition.Condition
	doc    Document
}

// fileTool is the typed view of one entry in the tools list.
type fileTool struct {
	Name        string  `json:"name"`
	Condition   *string `json:"condition"`
	Description string  `json:"description"`
}

// LoadFile reads and validates a YAML or JSON catalog file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadFile: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("LoadFile %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a catalog document. JSON input is accepted as YAML.
func Parse(data []byte) (*Catalog, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("Parse: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("Parse: empty catalog document")
	}

	normalized, err := validateDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("Parse: %w", err)
	}

	var typed struct {
		Tools []fileTool `json:"tools"`
	}
	if err := json.Unmarshal(normalized, &typed); err != nil {
		return nil, fmt.Errorf("Parse: %w", err)
	}

	tools := make([]Tool, 0, len(typed.Tools))
	for _, ft := range typed.Tools {
		t := Tool{Name: ft.Name, Description: ft.Description}
		if ft.Condition != nil && *ft.Condition != "" {
			c, err := condition.Parse(*ft.Condition)
			if err != nil {
				return nil, fmt.Errorf("Parse: tool %q: %w", ft.Name, err)
			}
			t.Condition = c
		}
		tools = append(tools, t)
	}

	var doc Document
	if err := json.Unmarshal(normalized, &doc); err != nil {
		return nil, fmt.Errorf("Parse: %w", err)
	}
	return newCatalog(tools, doc)
}

// New builds a catalog from typed tools, deriving the document and condition metadata.
func New(tools []Tool) (*Catalog, error) {
	doc := Document{Tools: make([]any, 0, len(tools))}
	for _, t := range tools {
		entry := map[string]any{"name": t.Name, "condition": nil}
		if t.Condition != condition.None {
			entry["condition"] = t.Condition.String()
		}
		if t.Description != "" {
			entry["description"] = t.Description
		}
		doc.Tools = append(doc.Tools, entry)
	}
	return newCatalog(tools, doc)
}

func newCatalog(tools []Tool, doc Document) (*Catalog, error) {
	byName := make(map[string]condition.Condition, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("catalog: tool with empty name")
		}
		if _, dup := byName[t.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate tool %q", t.Name)
		}
		if t.Condition != condition.None && !t.Condition.Valid() {
			return nil, fmt.Errorf("catalog: tool %q: %w", t.Name, condition.ErrUnknownCondition)
		}
		byName[t.Name] = t.Condition
	}

	if doc.Tools == nil {
		doc.Tools = []any{}
	}
	if len(doc.Conditions) == 0 {
		doc.Conditions = deriveConditions(tools)
	}

	return &Catalog{
		tools:  append([]Tool(nil), tools...),
		byName: byName,
		doc:    doc,
	}, nil
}

// deriveConditions builds per-condition metadata when the source has none.
func deriveConditions(tools []Tool) map[string]any {
	out := make(map[string]any, condition.Total)
	for _, c := range condition.All {
		names := []string{}
		for _, t := range tools {
			if t.Condition == c {
				names = append(names, t.Name)
			}
		}
		sort.Strings(names)
		out[c.String()] = map[string]any{
			"description": c.Description(),
			"tools":       names,
		}
	}
	return out
}

// Lookup returns the condition mapped to a tool and whether the tool is registered.
// A registered benign tool returns (None, true).
func (c *Catalog) Lookup(toolName string) (condition.Condition, bool) {
	cond, ok := c.byName[toolName]
	return cond, ok
}

// IsKnown reports whether the tool is registered.
func (c *Catalog) IsKnown(toolName string) bool {
	_, ok := c.byName[toolName]
	return ok
}

// ConditionFor returns the tool's condition, or None for unknown tools.
func (c *Catalog) ConditionFor(toolName string) condition.Condition {
	return c.byName[toolName]
}

// Tools returns a copy of the typed tool list in source order.
func (c *Catalog) Tools() []Tool {
	return append([]Tool(nil), c.tools...)
}

// Len returns the number of registered tools.
func (c *Catalog) Len() int {
	return len(c.tools)
}

// Document returns the catalog as loaded, for verbatim serving.
func (c *Catalog) Document() Document {
	return c.doc
}
