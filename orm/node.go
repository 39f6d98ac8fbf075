package orm

import (
	"fmt"
	"strings"
)

// Node is a filter predicate: a Condition or a *Group.
type Node interface {
	negate() Node
	clone() Node
}

// Condition is one predicate over a field path.
type Condition struct {
	// Path is the field path; every segment but the last is a foreign key.
	Path    []string
	Lookup  string
	Value   any
	Negated bool
}

func (c Condition) negate() Node {
	c.Negated = !c.Negated
	return c
}

func (c Condition) clone() Node {
	c.Path = append([]string(nil), c.Path...)
	return c
}

// Key renders the condition back to its filter key form.
func (c Condition) Key() string {
	return strings.Join(c.Path, LookupSeparator) + LookupSeparator + c.Lookup
}

func (c Condition) String() string {
	s := fmt.Sprintf("%s=%v", c.Key(), c.Value)
	if c.Negated {
		return "NOT " + s
	}
	return s
}

// Connector joins the children of a Group.
type Connector string

const (
	AND Connector = "AND"
	OR  Connector = "OR"
)

// Group combines nodes with AND or OR.
type Group struct {
	Connector Connector
	Children  []Node
	Negated   bool
}

func (g *Group) negate() Node {
	out := g.clone().(*Group)
	out.Negated = !out.Negated
	return out
}

func (g *Group) clone() Node {
	out := &Group{Connector: g.Connector, Negated: g.Negated, Children: make([]Node, len(g.Children))}
	for i, ch := range g.Children {
		out.Children[i] = ch.clone()
	}
	return out
}

// Q turns lookups into an AND group.
func Q(l Lookups) *Group {
	g := &Group{Connector: AND}
	for _, c := range l.Conditions() {
		g.Children = append(g.Children, c)
	}
	return g
}

// And combines nodes with AND.
func And(nodes ...Node) *Group { return &Group{Connector: AND, Children: nodes} }

// Or combines nodes with OR.
func Or(nodes ...Node) *Group { return &Group{Connector: OR, Children: nodes} }

// Not negates a node.
func Not(n Node) Node { return n.negate() }

// Walk calls fn for every condition in the tree rooted at n.
func Walk(n Node, fn func(Condition)) {
	switch v := n.(type) {
	case Condition:
		fn(v)
	case *Group:
		for _, ch := range v.Children {
			Walk(ch, fn)
		}
	}
}
