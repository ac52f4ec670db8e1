// Package toolreg is the client for the remote tool registry.
//
// It discovers the registry's tool catalog, caches descriptors with a TTL,
// validates invocation parameters against each tool's JSON schema before
// anything touches the network, and invokes tools with bounded retries.
package toolreg

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// ToolDescriptor describes one remotely invokable tool.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`

	// DiscoveredAt is when this descriptor's catalog was fetched.
	DiscoveredAt time.Time `json:"-"`

	// resolved is the compiled schema, built once at discovery time.
	resolved *jsonschema.Resolved
}

// ValidateParams checks params against the tool's input schema.
func (d *ToolDescriptor) ValidateParams(params map[string]any) error {
	if d.resolved == nil {
		// No schema means the tool accepts anything.
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	return d.resolved.Validate(params)
}

// compileSchema parses and resolves the descriptor's input schema.
func (d *ToolDescriptor) compileSchema() error {
	if len(d.InputSchema) == 0 {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
		return fmt.Errorf("parsing input schema for %q: %w", d.Name, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolving input schema for %q: %w", d.Name, err)
	}
	d.resolved = resolved
	return nil
}

// catalog is one immutable snapshot of the registry's tool list. The
// client swaps whole snapshots so readers never observe a partial update.
type catalog struct {
	tools     map[string]*ToolDescriptor
	fetchedAt time.Time
}

func (c *catalog) expired(ttl time.Duration, now time.Time) bool {
	if c == nil {
		return true
	}
	return now.Sub(c.fetchedAt) > ttl
}

// list returns descriptors in a caller-owned slice.
func (c *catalog) list() []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(c.tools))
	for _, d := range c.tools {
		out = append(out, *d)
	}
	return out
}
