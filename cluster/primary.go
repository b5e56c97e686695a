package cluster

import "sort"

// PrimarySelectorInput bundles PrimarySelector's inputs (spec §4.5).
type PrimarySelectorInput struct {
	Nodes       []*Node
	Current     *Node
	FailCount   int
	Cooperative bool

	// PeerMarksAsMaster reports whether the peer monitor that owns the
	// cooperative lock majority agrees a given Node is the primary (for
	// Current) or a valid promotion candidate (for candidates).
	PeerMarksAsMaster func(*Node) bool

	EnforceWritableMaster bool

	// AcceptDownCandidate allows the second pass of the replacement
	// search to promote a down candidate when no running one exists.
	AcceptDownCandidate bool

	NoPromotion map[string]bool
}

func (in *PrimarySelectorInput) peerMarks(n *Node) bool {
	if in.PeerMarksAsMaster == nil {
		return true
	}
	return in.PeerMarksAsMaster(n)
}

// SelectPrimary is PrimarySelector: it validates the current primary
// and, if invalid, searches for a replacement. It returns the Node
// that should be the cluster primary (possibly unchanged, possibly
// nil if no candidate exists at all).
func SelectPrimary(in PrimarySelectorInput) *Node {
	if in.Current != nil && primaryIsValid(in.Current, in) {
		return in.Current
	}
	return findReplacementPrimary(in)
}

// primaryIsValid runs the ordered validity checks of spec §4.5; the
// first failing check wins (order matters for diagnosability, not for
// the boolean result).
func primaryIsValid(p *Node, in PrimarySelectorInput) bool {
	if p == nil {
		return false
	}
	if p.Running && p.ReadOnly && !in.EnforceWritableMaster {
		return false
	}
	if in.Cooperative && !in.peerMarks(p) {
		return false
	}
	if p.Down && p.DownTicks > in.FailCount && reach(p) == 0 {
		return false
	}
	if !p.PrevHadParents && len(p.Parents) > 0 {
		return false
	}
	wasInCycle := p.PrevCycleID != nil
	inCycleNow := p.CycleID != nil
	if wasInCycle && !inCycleNow {
		return false
	}
	if wasInCycle && inCycleNow && cycleHasExternalParent(p) {
		return false
	}
	return true
}

// cycleHasExternalParent reports whether any member of n's current
// cycle has a parent outside the cycle.
func cycleHasExternalParent(n *Node) bool {
	if n.CycleID == nil {
		return false
	}
	id := *n.CycleID
	members := map[*Node]bool{n: true}
	// n.CycleID is shared by construction and a cycle is strongly
	// connected, so following same-cycle parents from n reaches every
	// member of the cycle.
	queue := []*Node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range cur.Parents {
			if p.CycleID != nil && *p.CycleID == id && !members[p] {
				members[p] = true
				queue = append(queue, p)
			}
		}
	}
	for m := range members {
		for _, p := range m.Parents {
			if !members[p] {
				return true
			}
		}
	}
	return false
}

func isValidCandidate(n *Node, in PrimarySelectorInput) bool {
	if n.Maintenance || n.ReadOnly {
		return false
	}
	if in.NoPromotion != nil && in.NoPromotion[n.ConfigName] {
		return false
	}
	if in.Cooperative && !in.peerMarks(n) {
		return false
	}
	return true
}

// findReplacementPrimary implements the two candidate sets and the
// two-pass (running-only, then down-allowed) search of spec §4.5.
func findReplacementPrimary(in PrimarySelectorInput) *Node {
	var outsideCycle []*Node
	cycleSamples := map[int]*Node{}

	for _, n := range in.Nodes {
		if !n.IsDatabaseServer() {
			continue
		}
		if n.CycleID == nil {
			if len(n.Parents) == 0 {
				outsideCycle = append(outsideCycle, n)
			}
			continue
		}
		if cycleHasExternalParent(n) {
			continue
		}
		if _, ok := cycleSamples[*n.CycleID]; !ok {
			cycleSamples[*n.CycleID] = n
		}
	}

	var candidates []*Node
	for _, n := range outsideCycle {
		if isValidCandidate(n, in) {
			candidates = append(candidates, n)
		}
	}
	for _, n := range cycleSamples {
		if isValidCandidate(n, in) {
			candidates = append(candidates, n)
		}
	}

	if best := pickByReach(candidates, true); best != nil {
		return best
	}
	if in.AcceptDownCandidate {
		return pickByReach(candidates, false)
	}
	return nil
}

// pickByReach picks the highest-reach candidate, optionally requiring
// it to be running, ties broken by configuration index.
func pickByReach(candidates []*Node, requireRunning bool) *Node {
	var filtered []*Node
	for _, c := range candidates {
		if requireRunning && !c.Running {
			continue
		}
		filtered = append(filtered, c)
	}
	if len(filtered) == 0 {
		return nil
	}
	sort.Slice(filtered, func(i, j int) bool {
		ri, rj := reach(filtered[i]), reach(filtered[j])
		if ri != rj {
			return ri > rj
		}
		return filtered[i].Index < filtered[j].Index
	})
	return filtered[0]
}

// reach is the count of running Nodes in the subtree rooted at n,
// following Children edges (the "replicates-from-reversed" direction),
// inclusive of n itself when running.
func reach(n *Node) int {
	visited := map[*Node]bool{}
	var dfs func(*Node) int
	dfs = func(cur *Node) int {
		if visited[cur] {
			return 0
		}
		visited[cur] = true
		count := 0
		if cur.Running {
			count = 1
		}
		for _, c := range cur.Children {
			count += dfs(c)
		}
		return count
	}
	return dfs(n)
}
