package security

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// ErrYAMLTooLarge is returned when YAML input exceeds MaxFileSize.
var ErrYAMLTooLarge = errors.New("yaml input too large")

// YAMLLimits bounds the resources a YAML document may consume.
type YAMLLimits struct {
	MaxFileSize  int64 // bytes
	MaxDepth     int
	MaxNodes     int
	MaxKeyLength int   // bytes
	MaxValueSize int64 // bytes
}

// DefaultYAMLLimits suits configuration files.
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxFileSize:  1 << 20,
		MaxDepth:     16,
		MaxNodes:     5000,
		MaxKeyLength: 256,
		MaxValueSize: 64 << 10,
	}
}

// SafeYAMLParser decodes YAML after checking it against limits. Alias
// expansion is counted against the node budget, which defeats billion-laughs
// style documents.
type SafeYAMLParser struct {
	limits YAMLLimits
}

// NewSafeYAMLParser creates a parser with the given limits.
func NewSafeYAMLParser(limits YAMLLimits) *SafeYAMLParser {
	return &SafeYAMLParser{limits: limits}
}

// Unmarshal validates data and decodes it into v.
func (p *SafeYAMLParser) Unmarshal(data []byte, v any) error {
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrYAMLTooLarge, len(data), p.limits.MaxFileSize)
	}

	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse yaml: %w", err)
	}

	w := &yamlWalker{limits: p.limits}
	if err := w.walk(&root, 0); err != nil {
		return err
	}
	return root.Decode(v)
}

// UnmarshalReader reads at most MaxFileSize bytes from r and decodes them.
func (p *SafeYAMLParser) UnmarshalReader(r io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, p.limits.MaxFileSize+1))
	if err != nil {
		return fmt.Errorf("read yaml: %w", err)
	}
	return p.Unmarshal(data, v)
}

type yamlWalker struct {
	limits YAMLLimits
	nodes  int
}

func (w *yamlWalker) walk(node *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("yaml nesting depth exceeds %d", w.limits.MaxDepth)
	}
	w.nodes++
	if w.nodes > w.limits.MaxNodes {
		return fmt.Errorf("yaml node count exceeds %d", w.limits.MaxNodes)
	}

	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			if key := node.Content[i].Value; len(key) > w.limits.MaxKeyLength {
				return fmt.Errorf("yaml key %.32q... exceeds %d bytes", key, w.limits.MaxKeyLength)
			}
			if err := w.walk(node.Content[i+1], depth+1); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth+1); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if int64(len(node.Value)) > w.limits.MaxValueSize {
			return fmt.Errorf("yaml value of %d bytes exceeds %d", len(node.Value), w.limits.MaxValueSize)
		}
	case yaml.AliasNode:
		if node.Alias != nil {
			return w.walk(node.Alias, depth+1)
		}
	}
	return nil
}
