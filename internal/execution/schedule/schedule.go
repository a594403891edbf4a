// Package schedule is the critical path calculator: a forward and backward
// pass over the units, their hierarchy and the edges of one project. Problems that keep
// part of the graph from being scheduled are returned as conflicts, and the
// rest of the graph is still computed.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/execution/dependency"
	"github.com/animus-labs/crewflow/internal/repo"
)

type Input struct {
	Project domain.Project
	Units   []domain.Unit
	Edges   []domain.Dependency
}

// Load reads everything Compute needs for one project.
func Load(ctx context.Context, store repo.Store, projectID string) (Input, error) {
	project, err := store.Projects().GetProject(ctx, projectID)
	if err != nil {
		return Input{}, fmt.Errorf("load project %s: %w", projectID, err)
	}
	units, err := store.Units().ListUnits(ctx, repo.UnitFilter{ProjectID: projectID})
	if err != nil {
		return Input{}, fmt.Errorf("load units: %w", err)
	}
	edges, err := store.Dependencies().ListByProject(ctx, projectID)
	if err != nil {
		return Input{}, fmt.Errorf("load dependencies: %w", err)
	}
	return Input{Project: project, Units: units, Edges: edges}, nil
}

type node struct {
	unit     domain.Unit
	duration int
	fixedES  *int
	fixedEF  *int
	es, ef   int
	ls, lf   int
	// earliest start and latest finish the unit's own edges and its
	// ancestors allow; children inherit them.
	startBound  int
	finishBound int
	in, out     []domain.Dependency
	children    []domain.EntityRef
}

func (n *node) isLeaf() bool { return len(n.children) == 0 }

// Compute runs the calculation. The result depends only on in: repeated
// calls on the same input return identical dates and critical chains.
//
// Only leaves carry durations. A unit starts no earlier than its parent may
// start, so edges on a task or stage bind every step beneath it; containers
// span from their earliest child start to their latest child finish.
func Compute(in Input) domain.CriticalPathResult {
	result := domain.CriticalPathResult{ProjectID: in.Project.ID}
	anchor := anchorDate(in)
	result.AnchorDate = anchor

	nodes := make(map[domain.EntityRef]*node, len(in.Units))
	for _, u := range in.Units {
		if in.Project.ID != "" && u.ProjectID != in.Project.ID {
			continue
		}
		nodes[u.Ref] = &node{unit: u}
	}
	refs := make([]domain.EntityRef, 0, len(nodes))
	for ref := range nodes {
		refs = append(refs, ref)
	}
	dependency.SortRefs(refs)

	for _, ref := range refs {
		n := nodes[ref]
		if parent, ok := nodes[n.unit.Parent]; ok {
			parent.children = append(parent.children, ref)
		}
	}

	edges := append([]domain.Dependency(nil), in.Edges...)
	sort.Slice(edges, func(i, j int) bool {
		if c := dependency.CompareRefs(edges[i].Dependent, edges[j].Dependent); c != 0 {
			return c < 0
		}
		if c := dependency.CompareRefs(edges[i].DependsOn, edges[j].DependsOn); c != 0 {
			return c < 0
		}
		return edges[i].ID < edges[j].ID
	})
	for _, edge := range edges {
		dep, okDep := nodes[edge.Dependent]
		pred, okPred := nodes[edge.DependsOn]
		if !okDep || !okPred {
			missing := edge.DependsOn
			if !okDep {
				missing = edge.Dependent
			}
			result.Conflicts = append(result.Conflicts, domain.SchedulingConflict{
				Kind:     domain.ConflictMissingDependency,
				Severity: domain.SeverityHigh,
				Entities: []domain.EntityRef{edge.Dependent, edge.DependsOn},
				Message:  fmt.Sprintf("dependency %s references %s, which does not exist", edgeLabel(edge), missing),
			})
			continue
		}
		dep.in = append(dep.in, edge)
		pred.out = append(pred.out, edge)
	}

	result.Conflicts = append(result.Conflicts, resolveDurations(nodes, refs, anchor)...)

	order, cyclic := forwardOrder(nodes, refs)
	if len(cyclic) > 0 {
		result.Conflicts = append(result.Conflicts, cycleConflict(nodes, cyclic))
	}
	excluded := make(map[domain.EntityRef]bool, len(cyclic))
	for _, ref := range cyclic {
		excluded[ref] = true
	}
	scheduled := make([]domain.EntityRef, 0, len(refs))
	for _, ref := range refs {
		if !excluded[ref] {
			scheduled = append(scheduled, ref)
		}
	}

	forwardPass(nodes, order)
	projectEnd := 0
	for _, ref := range scheduled {
		if ef := nodes[ref].ef; ef > projectEnd {
			projectEnd = ef
		}
	}
	backwardPass(nodes, scheduled, excluded, projectEnd)
	result.TotalDays = projectEnd

	for _, ref := range scheduled {
		n := nodes[ref]
		slack := n.ls - n.es
		dates := domain.CalculatedDates{
			Entity:                ref,
			Name:                  n.unit.Name,
			PlannedStart:          domain.AddDays(anchor, n.es),
			PlannedEnd:            domain.AddDays(anchor, n.ef),
			EarliestStart:         n.es,
			EarliestFinish:        n.ef,
			LatestStart:           n.ls,
			LatestFinish:          n.lf,
			EstimatedDays:         n.duration,
			IsCriticalPath:        slack <= 0,
			SlackDays:             slack,
			DependenciesSatisfied: allSatisfied(n.in),
			ProgressPercentage:    progress(nodes, n),
		}
		result.Units = append(result.Units, dates)

		if n.unit.PlannedEnd != nil && !n.unit.Status.IsTerminal() && dates.PlannedEnd.After(domain.Day(*n.unit.PlannedEnd)) {
			late := domain.DaysBetween(*n.unit.PlannedEnd, dates.PlannedEnd)
			result.Conflicts = append(result.Conflicts, domain.SchedulingConflict{
				Kind:     domain.ConflictInsufficientTime,
				Severity: severityForDelay(late),
				Entities: []domain.EntityRef{ref},
				Message: fmt.Sprintf("%s %q finishes %s at the earliest, %d day(s) after its planned end %s",
					strings.ToLower(string(ref.Type)), n.unit.Name, dates.PlannedEnd.Format(time.DateOnly), late,
					n.unit.PlannedEnd.Format(time.DateOnly)),
			})
		}
	}
	sort.SliceStable(result.Units, func(i, j int) bool {
		a, b := result.Units[i], result.Units[j]
		if a.EarliestStart != b.EarliestStart {
			return a.EarliestStart < b.EarliestStart
		}
		return dependency.CompareRefs(a.Entity, b.Entity) < 0
	})
	result.CriticalChain = criticalChain(nodes, scheduled, excluded)
	return result
}

func anchorDate(in Input) time.Time {
	if !in.Project.StartDate.IsZero() {
		return domain.Day(in.Project.StartDate)
	}
	var earliest time.Time
	consider := func(t *time.Time) {
		if t != nil && (earliest.IsZero() || t.Before(earliest)) {
			earliest = *t
		}
	}
	for _, u := range in.Units {
		consider(u.PlannedStart)
		consider(u.ActualStart)
	}
	if earliest.IsZero() {
		return earliest
	}
	return domain.Day(earliest)
}

// resolveDurations picks each leaf's duration: the estimate, else the planned
// span, else the actual span. Containers get theirs from the forward pass.
// Actual dates pin a unit's start and finish.
func resolveDurations(nodes map[domain.EntityRef]*node, refs []domain.EntityRef, anchor time.Time) []domain.SchedulingConflict {
	var conflicts []domain.SchedulingConflict
	for _, ref := range refs {
		n := nodes[ref]
		u := n.unit
		switch {
		case !n.isLeaf():
		case u.EstimatedDays > 0:
			n.duration = u.EstimatedDays
		case u.PlannedStart != nil && u.PlannedEnd != nil && u.PlannedEnd.After(*u.PlannedStart):
			n.duration = domain.DaysBetween(*u.PlannedStart, *u.PlannedEnd)
		case u.ActualStart != nil && u.ActualEnd != nil && !u.ActualEnd.Before(*u.ActualStart):
			n.duration = domain.DaysBetween(*u.ActualStart, *u.ActualEnd)
		case u.Status == domain.StatusCancelled:
			n.duration = 0
		default:
			n.duration = 1
			conflicts = append(conflicts, domain.SchedulingConflict{
				Kind:     domain.ConflictInvalidDuration,
				Severity: domain.SeverityMedium,
				Entities: []domain.EntityRef{ref},
				Message:  fmt.Sprintf("%s %q has no estimate or planned dates; assuming 1 day", strings.ToLower(string(ref.Type)), u.Name),
			})
		}
		if u.PlannedStart != nil && u.PlannedEnd != nil && u.PlannedEnd.Before(*u.PlannedStart) {
			conflicts = append(conflicts, domain.SchedulingConflict{
				Kind:     domain.ConflictInvalidDuration,
				Severity: domain.SeverityMedium,
				Entities: []domain.EntityRef{ref},
				Message:  fmt.Sprintf("%s %q ends before it starts", strings.ToLower(string(ref.Type)), u.Name),
			})
		}
		if anchor.IsZero() {
			continue
		}
		if u.ActualStart != nil {
			es := domain.DaysBetween(anchor, *u.ActualStart)
			n.fixedES = &es
		}
		if u.ActualEnd != nil {
			ef := domain.DaysBetween(anchor, *u.ActualEnd)
			n.fixedEF = &ef
			if n.fixedES == nil && n.isLeaf() {
				es := ef - n.duration
				n.fixedES = &es
			}
		}
	}
	return conflicts
}

type phase int

const (
	// phaseStart: the unit's start bound is known.
	phaseStart phase = iota
	// phaseFinish: the unit's dates are final.
	phaseFinish
)

type event struct {
	ref   domain.EntityRef
	phase phase
}

// kahn orders events so each follows its prerequisites, with a lexically
// ordered frontier. Events left over sit on or behind a cycle.
func kahn(events []event, prereqs func(event) []event) ([]event, map[event]bool) {
	indegree := make(map[event]int, len(events))
	next := make(map[event][]event, len(events))
	for _, ev := range events {
		for _, pre := range prereqs(ev) {
			indegree[ev]++
			next[pre] = append(next[pre], ev)
		}
	}
	less := func(a, b event) bool {
		if c := dependency.CompareRefs(a.ref, b.ref); c != 0 {
			return c < 0
		}
		return a.phase < b.phase
	}
	var frontier []event
	for _, ev := range events {
		if indegree[ev] == 0 {
			frontier = append(frontier, ev)
		}
	}
	sort.Slice(frontier, func(i, j int) bool { return less(frontier[i], frontier[j]) })
	order := make([]event, 0, len(events))
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		order = append(order, cur)
		for _, ev := range next[cur] {
			indegree[ev]--
			if indegree[ev] == 0 {
				frontier = append(frontier, ev)
			}
		}
		sort.Slice(frontier, func(i, j int) bool { return less(frontier[i], frontier[j]) })
	}
	left := map[event]bool{}
	for _, ev := range events {
		if indegree[ev] > 0 {
			left[ev] = true
		}
	}
	return order, left
}

// forwardOrder sequences the forward pass. A unit's start waits on its
// parent's start and on the finish of everything its edges depend on; its
// finish waits on its own start and on every child's finish. Units that
// cannot be ordered are returned as cyclic.
func forwardOrder(nodes map[domain.EntityRef]*node, refs []domain.EntityRef) ([]event, []domain.EntityRef) {
	events := make([]event, 0, 2*len(refs))
	for _, ref := range refs {
		events = append(events, event{ref, phaseStart}, event{ref, phaseFinish})
	}
	order, left := kahn(events, func(ev event) []event {
		n := nodes[ev.ref]
		var pre []event
		if ev.phase == phaseStart {
			if _, ok := nodes[n.unit.Parent]; ok {
				pre = append(pre, event{n.unit.Parent, phaseStart})
			}
			for _, edge := range n.in {
				pre = append(pre, event{edge.DependsOn, phaseFinish})
			}
			return pre
		}
		pre = append(pre, event{ev.ref, phaseStart})
		for _, child := range n.children {
			pre = append(pre, event{child, phaseFinish})
		}
		return pre
	})
	var cyclic []domain.EntityRef
	for _, ref := range refs {
		if left[event{ref, phaseStart}] || left[event{ref, phaseFinish}] {
			cyclic = append(cyclic, ref)
		}
	}
	return order, cyclic
}

func cycleConflict(nodes map[domain.EntityRef]*node, cyclic []domain.EntityRef) domain.SchedulingConflict {
	members := make(map[domain.EntityRef]bool, len(cyclic))
	for _, ref := range cyclic {
		members[ref] = true
	}
	g := dependency.NewGraph(nil)
	for _, ref := range cyclic {
		for _, edge := range nodes[ref].in {
			if members[edge.DependsOn] {
				g.Add(edge.Dependent, edge.DependsOn)
			}
		}
		// a unit waits on whatever its parent waits on
		if parent := nodes[ref].unit.Parent; members[parent] {
			g.Add(ref, parent)
		}
	}
	cycle := g.DetectCycle()
	if cycle == nil {
		cycle = cyclic
	}
	parts := make([]string, 0, len(cycle))
	for _, ref := range cycle {
		parts = append(parts, ref.String())
	}
	return domain.SchedulingConflict{
		Kind:     domain.ConflictCircularDependency,
		Severity: domain.SeverityCritical,
		Entities: cyclic,
		Message: fmt.Sprintf("circular dependency %s; %d unit(s) left unscheduled",
			strings.Join(parts, " -> "), len(cyclic)),
	}
}

// earliestFrom returns the earliest start the edge allows for its dependent.
func earliestFrom(edge domain.Dependency, pred, dep *node) int {
	switch edge.Type {
	case domain.StartToStart:
		return pred.es + edge.LagDays
	case domain.FinishToFinish:
		return pred.ef + edge.LagDays - dep.duration
	default:
		return pred.ef + edge.LagDays
	}
}

// latestFrom returns the latest finish the edge allows for its predecessor.
func latestFrom(edge domain.Dependency, pred, dep *node) int {
	switch edge.Type {
	case domain.StartToStart:
		return dep.ls - edge.LagDays + pred.duration
	case domain.FinishToFinish:
		return dep.lf - edge.LagDays
	default:
		return dep.ls - edge.LagDays
	}
}

func forwardPass(nodes map[domain.EntityRef]*node, order []event) {
	for _, ev := range order {
		n := nodes[ev.ref]
		if ev.phase == phaseStart {
			if n.fixedES != nil {
				n.startBound = *n.fixedES
				continue
			}
			n.startBound = 0
			if parent, ok := nodes[n.unit.Parent]; ok {
				n.startBound = parent.startBound
			}
			for _, edge := range n.in {
				if v := earliestFrom(edge, nodes[edge.DependsOn], n); v > n.startBound {
					n.startBound = v
				}
			}
			continue
		}
		if n.isLeaf() {
			n.es = n.startBound
			if n.fixedEF != nil {
				n.ef = *n.fixedEF
			} else {
				n.ef = n.es + n.duration
			}
			continue
		}
		for i, child := range n.children {
			c := nodes[child]
			if i == 0 || c.es < n.es {
				n.es = c.es
			}
			if i == 0 || c.ef > n.ef {
				n.ef = c.ef
			}
		}
		if n.fixedES != nil {
			n.es = *n.fixedES
		}
		if n.fixedEF != nil {
			n.ef = *n.fixedEF
		}
		if n.ef < n.es {
			n.ef = n.es
		}
		n.duration = n.ef - n.es
	}
}

// backwardPass mirrors forwardPass: a unit finishes no later than its parent
// may finish and than its outgoing edges allow; containers span their
// children's latest dates.
func backwardPass(nodes map[domain.EntityRef]*node, refs []domain.EntityRef, excluded map[domain.EntityRef]bool, projectEnd int) {
	events := make([]event, 0, 2*len(refs))
	for _, ref := range refs {
		events = append(events, event{ref, phaseStart}, event{ref, phaseFinish})
	}
	order, _ := kahn(events, func(ev event) []event {
		n := nodes[ev.ref]
		var pre []event
		if ev.phase == phaseStart {
			if _, ok := nodes[n.unit.Parent]; ok && !excluded[n.unit.Parent] {
				pre = append(pre, event{n.unit.Parent, phaseStart})
			}
			for _, edge := range n.out {
				if !excluded[edge.Dependent] {
					pre = append(pre, event{edge.Dependent, phaseFinish})
				}
			}
			return pre
		}
		pre = append(pre, event{ev.ref, phaseStart})
		for _, child := range n.children {
			pre = append(pre, event{child, phaseFinish})
		}
		return pre
	})
	for _, ev := range order {
		n := nodes[ev.ref]
		if ev.phase == phaseStart {
			n.finishBound = projectEnd
			if parent, ok := nodes[n.unit.Parent]; ok && !excluded[n.unit.Parent] {
				n.finishBound = parent.finishBound
			}
			for _, edge := range n.out {
				if excluded[edge.Dependent] {
					continue
				}
				if v := latestFrom(edge, n, nodes[edge.Dependent]); v < n.finishBound {
					n.finishBound = v
				}
			}
			continue
		}
		if n.isLeaf() {
			n.lf = n.finishBound
			n.ls = n.lf - (n.ef - n.es)
			continue
		}
		for i, child := range n.children {
			c := nodes[child]
			if i == 0 || c.ls < n.ls {
				n.ls = c.ls
			}
			if i == 0 || c.lf > n.lf {
				n.lf = c.lf
			}
		}
	}
}

// link is one leaf-to-leaf constraint: an edge on to (or on an ancestor of
// to) whose dependsOn is from (or contains from).
type link struct {
	from, to domain.EntityRef
	edge     domain.Dependency
}

// criticalChain walks zero-slack leaves along tight links. Among equal
// candidates the earlier start wins, then the longer unit, then the lexically
// smaller ref.
func criticalChain(nodes map[domain.EntityRef]*node, refs []domain.EntityRef, excluded map[domain.EntityRef]bool) []domain.EntityRef {
	critical := func(n *node) bool { return n.ls-n.es <= 0 }
	pick := func(candidates []domain.EntityRef) (domain.EntityRef, bool) {
		if len(candidates) == 0 {
			return domain.EntityRef{}, false
		}
		sort.Slice(candidates, func(i, j int) bool {
			a, b := nodes[candidates[i]], nodes[candidates[j]]
			if a.es != b.es {
				return a.es < b.es
			}
			if a.duration != b.duration {
				return a.duration > b.duration
			}
			return dependency.CompareRefs(candidates[i], candidates[j]) < 0
		})
		return candidates[0], true
	}

	var leaves func(ref domain.EntityRef) []domain.EntityRef
	leaves = func(ref domain.EntityRef) []domain.EntityRef {
		n := nodes[ref]
		if n.isLeaf() {
			return []domain.EntityRef{ref}
		}
		var out []domain.EntityRef
		for _, child := range n.children {
			out = append(out, leaves(child)...)
		}
		return out
	}
	tight := func(l link) bool {
		pred, dep := nodes[l.from], nodes[l.to]
		return critical(pred) && critical(dep) && earliestFrom(l.edge, pred, dep) == dep.es
	}

	into := map[domain.EntityRef][]link{}
	outOf := map[domain.EntityRef][]link{}
	for _, ref := range refs {
		if !nodes[ref].isLeaf() {
			continue
		}
		for cur, ok := nodes[ref], true; ok; cur, ok = nodes[cur.unit.Parent] {
			for _, edge := range cur.in {
				if excluded[edge.DependsOn] {
					continue
				}
				for _, from := range leaves(edge.DependsOn) {
					l := link{from: from, to: ref, edge: edge}
					if tight(l) {
						into[ref] = append(into[ref], l)
						outOf[from] = append(outOf[from], l)
					}
				}
			}
		}
	}

	var starts []domain.EntityRef
	for _, ref := range refs {
		n := nodes[ref]
		if n.isLeaf() && critical(n) && len(into[ref]) == 0 {
			starts = append(starts, ref)
		}
	}
	cur, ok := pick(starts)
	if !ok {
		return nil
	}
	chain := []domain.EntityRef{cur}
	seen := map[domain.EntityRef]bool{cur: true}
	for {
		var next []domain.EntityRef
		for _, l := range outOf[cur] {
			if !seen[l.to] {
				next = append(next, l.to)
			}
		}
		ref, ok := pick(next)
		if !ok {
			return chain
		}
		chain = append(chain, ref)
		seen[ref] = true
		cur = ref
	}
}

func allSatisfied(edges []domain.Dependency) bool {
	for _, edge := range edges {
		if !edge.IsSatisfied() {
			return false
		}
	}
	return true
}

func progress(nodes map[domain.EntityRef]*node, n *node) int {
	if len(n.children) == 0 {
		if n.unit.Status == domain.StatusCompleted {
			return 100
		}
		return 0
	}
	total, done := 0, 0
	for _, ref := range n.children {
		child := nodes[ref].unit
		if child.Status == domain.StatusCancelled {
			continue
		}
		total++
		if child.Status == domain.StatusCompleted {
			done++
		}
	}
	if total == 0 {
		return 100
	}
	return done * 100 / total
}

func severityForDelay(days int) domain.Severity {
	switch {
	case days > 14:
		return domain.SeverityCritical
	case days > 5:
		return domain.SeverityHigh
	case days > 1:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func edgeLabel(edge domain.Dependency) string {
	if edge.ID != "" {
		return edge.ID
	}
	return edge.Dependent.String() + "->" + edge.DependsOn.String()
}
