package schedule

import (
	"github.com/animus-labs/crewflow/internal/domain"
)

// AnnotateEdges copies critical-path membership and slack onto edges. An edge
// is critical when both ends are critical and the edge drives the dependent's
// earliest start; its slack is how far the dependent could move before the
// edge binds. Only edges whose annotation changed are returned.
func AnnotateEdges(result domain.CriticalPathResult, edges []domain.Dependency) []domain.Dependency {
	byRef := make(map[domain.EntityRef]domain.CalculatedDates, len(result.Units))
	for _, u := range result.Units {
		byRef[u.Entity] = u
	}
	var changed []domain.Dependency
	for _, edge := range edges {
		dep, okDep := byRef[edge.Dependent]
		pred, okPred := byRef[edge.DependsOn]
		critical, slack := false, 0
		if okDep && okPred {
			var bound int
			switch edge.Type {
			case domain.StartToStart:
				bound = pred.EarliestStart + edge.LagDays
			case domain.FinishToFinish:
				bound = pred.EarliestFinish + edge.LagDays - (dep.EarliestFinish - dep.EarliestStart)
			default:
				bound = pred.EarliestFinish + edge.LagDays
			}
			slack = dep.EarliestStart - bound
			if slack < 0 {
				slack = 0
			}
			critical = dep.IsCriticalPath && pred.IsCriticalPath && slack == 0
		}
		if edge.IsCriticalPath == critical && edge.SlackDays == slack {
			continue
		}
		edge.IsCriticalPath = critical
		edge.SlackDays = slack
		changed = append(changed, edge)
	}
	return changed
}
