package cluster

import "sort"

// tarjanState is the per-node bookkeeping used by the iterative Tarjan
// strongly-connected-components pass.
type tarjanState struct {
	index   map[*Node]int
	lowlink map[*Node]int
	onStack map[*Node]bool
	stack   []*Node
	counter int
	sccs    [][]*Node
}

// FindCycles runs Tarjan SCC over the "replicates-from" relation
// (edges follow Node.Parents, i.e. child -> parent) and assigns a new
// CycleID to every member of every strongly connected component of
// size >= 2. Single-node SCCs are not cycles and are left without a
// CycleID. Members of each cycle are sorted by Node.Index for
// deterministic reporting.
//
// FindCycles is idempotent up to renumbering: run twice on the same
// graph, the partition into cycles is identical even though the
// numeric ids may differ run to run (ids are assigned in discovery
// order, which itself only depends on the graph).
func FindCycles(nodes []*Node) {
	for _, n := range nodes {
		n.CycleID = nil
	}

	st := &tarjanState{
		index:   make(map[*Node]int),
		lowlink: make(map[*Node]int),
		onStack: make(map[*Node]bool),
	}

	for _, n := range nodes {
		if _, seen := st.index[n]; !seen {
			st.strongConnect(n)
		}
	}

	nextID := 0
	for _, scc := range st.sccs {
		if len(scc) < 2 {
			continue
		}
		sort.Slice(scc, func(i, j int) bool { return scc[i].Index < scc[j].Index })
		id := nextID
		nextID++
		for _, n := range scc {
			cid := id
			n.CycleID = &cid
		}
	}
}

// strongConnect is the recursive step of Tarjan's algorithm, rewritten
// with an explicit work stack to avoid unbounded Go call-stack growth
// on large replication graphs.
func (st *tarjanState) strongConnect(v *Node) {
	type frame struct {
		node     *Node
		childIdx int
	}

	frames := []frame{{node: v}}
	st.index[v] = st.counter
	st.lowlink[v] = st.counter
	st.counter++
	st.stack = append(st.stack, v)
	st.onStack[v] = true

	for len(frames) > 0 {
		top := &frames[len(frames)-1]
		node := top.node

		advanced := false
		for top.childIdx < len(node.Parents) {
			w := node.Parents[top.childIdx]
			top.childIdx++
			if _, seen := st.index[w]; !seen {
				st.index[w] = st.counter
				st.lowlink[w] = st.counter
				st.counter++
				st.stack = append(st.stack, w)
				st.onStack[w] = true
				frames = append(frames, frame{node: w})
				advanced = true
				break
			} else if st.onStack[w] {
				if st.index[w] < st.lowlink[node] {
					st.lowlink[node] = st.index[w]
				}
			}
		}
		if advanced {
			continue
		}

		// Done with node: pop and propagate lowlink to its caller.
		frames = frames[:len(frames)-1]
		if len(frames) > 0 {
			parent := &frames[len(frames)-1].node
			if st.lowlink[node] < st.lowlink[*parent] {
				st.lowlink[*parent] = st.lowlink[node]
			}
		}

		if st.lowlink[node] == st.index[node] {
			var scc []*Node
			for {
				n := len(st.stack) - 1
				w := st.stack[n]
				st.stack = st.stack[:n]
				st.onStack[w] = false
				scc = append(scc, w)
				if w == node {
					break
				}
			}
			st.sccs = append(st.sccs, scc)
		}
	}
}
