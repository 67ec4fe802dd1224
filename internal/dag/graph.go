// Package dag implements a generic directed acyclic graph keyed by string
// ids. An edge from -> to means "to depends on from": from must be processed
// before to. Cycle detection reports an example path so callers can surface
// the participating ids.
package dag

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrNodeNotFound is returned when an edge references an unknown node.
	ErrNodeNotFound = errors.New("node not found")
	// ErrNodeExists is returned when a node id is added twice.
	ErrNodeExists = errors.New("node already exists")
	// ErrCycle is returned by ordering operations on a cyclic graph.
	ErrCycle = errors.New("graph contains a cycle")
)

// Graph is a mutable directed graph with a payload per node. All methods are
// safe for concurrent use. Edge and node iteration order is insertion order,
// which keeps sorts and level layouts deterministic.
type Graph[T any] struct {
	mu       sync.RWMutex
	payloads map[string]T
	order    []string            // node insertion order
	out      map[string][]string // from -> dependents
	in       map[string][]string // to -> dependencies
}

// New returns an empty graph.
func New[T any]() *Graph[T] {
	return &Graph[T]{
		payloads: make(map[string]T),
		out:      make(map[string][]string),
		in:       make(map[string][]string),
	}
}

// AddNode inserts a node. Adding an id twice is an error.
func (g *Graph[T]) AddNode(id string, payload T) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.payloads[id]; exists {
		return fmt.Errorf("%w: %q", ErrNodeExists, id)
	}
	g.payloads[id] = payload
	g.order = append(g.order, id)
	g.out[id] = nil
	g.in[id] = nil
	return nil
}

// RemoveNode deletes a node and every incident edge. Returns whether the
// node was present.
func (g *Graph[T]) RemoveNode(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.payloads[id]; !exists {
		return false
	}
	for _, to := range g.out[id] {
		g.in[to] = remove(g.in[to], id)
	}
	for _, from := range g.in[id] {
		g.out[from] = remove(g.out[from], id)
	}
	delete(g.payloads, id)
	delete(g.out, id)
	delete(g.in, id)
	g.order = remove(g.order, id)
	return true
}

// HasNode reports whether the node exists.
func (g *Graph[T]) HasNode(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.payloads[id]
	return ok
}

// Node returns the payload stored for id.
func (g *Graph[T]) Node(id string) (T, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.payloads[id]
	return p, ok
}

// Nodes returns all node ids in insertion order.
func (g *Graph[T]) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// Len returns the node count.
func (g *Graph[T]) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.payloads)
}

// AddEdge records that to depends on from. Both endpoints must exist.
// Duplicate edges are ignored.
func (g *Graph[T]) AddEdge(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.payloads[from]; !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, from)
	}
	if _, ok := g.payloads[to]; !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, to)
	}
	for _, existing := range g.out[from] {
		if existing == to {
			return nil
		}
	}
	g.out[from] = append(g.out[from], to)
	g.in[to] = append(g.in[to], from)
	return nil
}

// RemoveEdge deletes the from -> to edge. Returns whether it existed.
func (g *Graph[T]) RemoveEdge(from, to string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	before := len(g.out[from])
	g.out[from] = remove(g.out[from], to)
	if len(g.out[from]) == before {
		return false
	}
	g.in[to] = remove(g.in[to], from)
	return true
}

// Dependencies returns the direct prerequisites of id.
func (g *Graph[T]) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.in[id]...)
}

// Dependents returns the nodes that directly depend on id.
func (g *Graph[T]) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.out[id]...)
}

// AllDependencies returns the transitive prerequisite closure of id in BFS
// order, nearest first.
func (g *Graph[T]) AllDependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closure(id, g.in)
}

// AllDependents returns every node that transitively depends on id.
func (g *Graph[T]) AllDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closure(id, g.out)
}

// DependsOn reports whether id transitively depends on on.
func (g *Graph[T]) DependsOn(id, on string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, dep := range g.closure(id, g.in) {
		if dep == on {
			return true
		}
	}
	return false
}

func (g *Graph[T]) closure(id string, edges map[string][]string) []string {
	seen := map[string]bool{id: true}
	var result []string
	queue := append([]string(nil), edges[id]...)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if seen[current] {
			continue
		}
		seen[current] = true
		result = append(result, current)
		queue = append(queue, edges[current]...)
	}
	return result
}

// Roots returns nodes with no dependencies, in insertion order.
func (g *Graph[T]) Roots() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var roots []string
	for _, id := range g.order {
		if len(g.in[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Leaves returns nodes with no dependents, in insertion order.
func (g *Graph[T]) Leaves() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var leaves []string
	for _, id := range g.order {
		if len(g.out[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

// TopologicalSort returns the node ids in dependency order using Kahn's
// algorithm. On a cyclic graph it returns ErrCycle with an example path in
// the message.
func (g *Graph[T]) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.payloads))
	for _, id := range g.order {
		inDegree[id] = len(g.in[id])
	}

	var queue []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]string, 0, len(g.payloads))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)
		for _, dependent := range g.out[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(g.payloads) {
		return nil, g.cycleError()
	}
	return result, nil
}

// ExecutionLevels groups nodes into parallel waves: level 0 holds every node
// with no dependencies, level k the nodes whose dependencies all sit in
// levels <k. Returns ErrCycle when the graph cannot be layered.
func (g *Graph[T]) ExecutionLevels() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.payloads) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(g.payloads))
	for _, id := range g.order {
		inDegree[id] = len(g.in[id])
	}

	var levels [][]string
	placed := 0
	current := make([]string, 0)
	for _, id := range g.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	for len(current) > 0 {
		levels = append(levels, current)
		placed += len(current)
		var next []string
		for _, id := range current {
			for _, dependent := range g.out[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if placed != len(g.payloads) {
		return nil, g.cycleError()
	}
	return levels, nil
}

// DetectCycle returns an example cycle path (first node repeated at the end)
// or nil when the graph is acyclic.
func (g *Graph[T]) DetectCycle() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.findCycle()
}

// HasCycle reports whether the graph contains at least one cycle.
func (g *Graph[T]) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.findCycle() != nil
}

// findCycle runs a three-color DFS over out edges and extracts the cycle
// portion of the visiting path when it closes on a gray node.
func (g *Graph[T]) findCycle() []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.payloads))
	var path []string

	var dfs func(node string) []string
	dfs = func(node string) []string {
		color[node] = gray
		path = append(path, node)
		for _, next := range g.out[node] {
			switch color[next] {
			case gray:
				for i, n := range path {
					if n == next {
						return append(append([]string(nil), path[i:]...), next)
					}
				}
			case white:
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			}
		}
		color[node] = black
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func (g *Graph[T]) cycleError() error {
	if cycle := g.findCycle(); cycle != nil {
		return fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
	}
	return ErrCycle
}

// CriticalPath returns the longest dependency chain by node count. On a
// cyclic or empty graph it returns nil.
func (g *Graph[T]) CriticalPath() []string {
	order, err := g.TopologicalSort()
	if err != nil || len(order) == 0 {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	length := make(map[string]int, len(order))
	prev := make(map[string]string, len(order))
	best := ""
	for _, id := range order {
		length[id] = 1
		for _, dep := range g.in[id] {
			if length[dep]+1 > length[id] {
				length[id] = length[dep] + 1
				prev[id] = dep
			}
		}
		if best == "" || length[id] > length[best] {
			best = id
		}
	}

	path := make([]string, 0, length[best])
	for id := best; id != ""; {
		path = append(path, id)
		next, ok := prev[id]
		if !ok {
			break
		}
		id = next
	}
	// Reverse into root-first order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Clone returns a structural copy. Payloads are copied by value; pointer
// payloads stay shared.
func (g *Graph[T]) Clone() *Graph[T] {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c := New[T]()
	c.order = append([]string(nil), g.order...)
	for id, payload := range g.payloads {
		c.payloads[id] = payload
	}
	for id, tos := range g.out {
		c.out[id] = append([]string(nil), tos...)
	}
	for id, froms := range g.in {
		c.in[id] = append([]string(nil), froms...)
	}
	return c
}

func remove(list []string, id string) []string {
	for i, v := range list {
		if v == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
