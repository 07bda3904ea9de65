package workflow

import (
	"encoding/json"
	"io"
)

// NodeDoc is one entry of a workflow document's "nodes" list.
type NodeDoc struct {
	ID     string         `json:"id"`
	Class  string         `json:"class"`
	Config map[string]any `json:"config,omitempty"`
}

// EdgeDoc is one entry of a workflow document's "edges" list.
//
// An omitted Condition defaults to "None", the explicit default/fallback
// edge. Documents that intend an always-taken edge must say "True".
type EdgeDoc struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// Document is the serializable workflow definition: an ordered node list, an
// ordered edge list, the start node id, and the initial shared state.
type Document struct {
	Nodes        []NodeDoc      `json:"nodes"`
	Edges        []EdgeDoc      `json:"edges"`
	Start        string         `json:"start"`
	InitialState map[string]any `json:"initial_state,omitempty"`
}

// graphNode is one loaded, immutable node in the instantiated graph: its
// factory (for building a fresh Node per step), its config, and its
// outgoing transitions in document order.
type graphNode struct {
	id          string
	class       string
	config      map[string]any
	factory     Factory
	transitions []*Transition
}

// loadedGraph is the result of Load: every node keyed by id, plus the
// start node id.
type loadedGraph struct {
	nodes map[string]*graphNode
	start string
}

// DecodeDocument reads a JSON-encoded Document from r.
func DecodeDocument(r io.Reader) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, &LoadError{Message: "invalid workflow document JSON", Cause: err}
	}
	return &doc, nil
}

// Load parses a workflow document into an instantiated node graph, resolving
// each node's class tag against registry. Unknown class tags
// produce a LoadError enumerating the registry's available tags. Edges are
// attached to their source node in document order, which the edge selector
// relies on.
func Load(doc *Document, registry *Registry) (*loadedGraph, error) {
	if doc == nil {
		return nil, &LoadError{Message: "workflow document is nil"}
	}
	if len(doc.Nodes) == 0 {
		return nil, &LoadError{Message: "workflow document has no nodes"}
	}
	if doc.Start == "" {
		return nil, &LoadError{Message: "workflow document has no start node"}
	}

	nodes := make(map[string]*graphNode, len(doc.Nodes))
	for _, nd := range doc.Nodes {
		if nd.ID == "" {
			return nil, &LoadError{Message: "node entry is missing an id"}
		}
		if nd.Class == "" {
			return nil, &LoadError{Message: "node " + nd.ID + " is missing a class tag"}
		}
		if _, dup := nodes[nd.ID]; dup {
			return nil, &LoadError{Message: "duplicate node id " + nd.ID}
		}
		factory, err := registry.Lookup(nd.Class)
		if err != nil {
			return nil, err
		}
		nodes[nd.ID] = &graphNode{
			id:      nd.ID,
			class:   nd.Class,
			config:  nd.Config,
			factory: factory,
		}
	}

	if _, ok := nodes[doc.Start]; !ok {
		return nil, &LoadError{Message: "start node " + doc.Start + " is not defined"}
	}

	for _, ed := range doc.Edges {
		src, ok := nodes[ed.From]
		if !ok {
			return nil, &LoadError{Message: "edge references unknown source node " + ed.From}
		}
		if _, ok := nodes[ed.To]; !ok {
			return nil, &LoadError{Message: "edge references unknown destination node " + ed.To}
		}
		condition := ed.Condition
		if condition == "" {
			condition = condDefault
		}
		src.transitions = append(src.transitions, &Transition{From: ed.From, To: ed.To, Condition: condition})
	}

	return &loadedGraph{nodes: nodes, start: doc.Start}, nil
}
