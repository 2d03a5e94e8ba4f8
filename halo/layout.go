package halo

import (
	"fmt"
)

// Layout identifies how the components of a node are laid out in the
// local value array
type Layout uint8

const (
	// ComponentMajor stores each component contiguously across all nodes:
	// index = component*LocalNodes + node. Used by scalar (Laplacian) operators.
	// The component stride is the local node count, not the operator
	// dimension, so multi-component arrays laid out with the operator
	// dimension as stride must be repacked.
	ComponentMajor Layout = iota
	// NodeMajor stores all components of a node contiguously:
	// index = node*Components + component. Used by vector (elasticity) operators.
	NodeMajor
)

func (l Layout) String() string {
	switch l {
	case ComponentMajor:
		return "component-major"
	case NodeMajor:
		return "node-major"
	default:
		return fmt.Sprintf("Layout(%d)", uint8(l))
	}
}

// Valid reports whether l is one of the recognized layouts
func (l Layout) Valid() bool {
	return l == ComponentMajor || l == NodeMajor
}

// ParseLayout maps the textual form used in run files back to a Layout
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "component-major", "laplacian":
		return ComponentMajor, nil
	case "node-major", "elasticity":
		return NodeMajor, nil
	}
	return 0, &ConfigError{Field: "layout", Err: fmt.Errorf("%w: %q", ErrUnknownLayout, s)}
}

// offset returns the position of (node, component) in the value array.
// node is 0-based.
func (l Layout) offset(node, component, localNodes, components int) int {
	if l == NodeMajor {
		return node*components + component
	}
	return component*localNodes + node
}
