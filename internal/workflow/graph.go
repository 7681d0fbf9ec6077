package workflow

// Graph is the reverse-adjacency dependency graph for one workflow:
// deps maps each job id to the set of its predecessors. A job P is a
// predecessor of C when P lists C in OnSuccess or OnFailure.
//
// Construction validates the definition: every referenced id must
// exist, job ids must be unique, always-run jobs may not declare
// successors, and the graph must be acyclic.
type Graph struct {
	jobs  map[string]*Job
	order []string // definition order
	deps  map[string]map[string]bool
}

// dfs colours for cycle detection.
const (
	colourWhite = iota // unvisited
	colourGrey         // on the current DFS path
	colourBlack        // fully explored
)

// BuildGraph constructs and validates the dependency graph for a job
// list. All validation failures are *DefinitionError.
func BuildGraph(jobs []*Job) (*Graph, error) {
	g := &Graph{
		jobs: make(map[string]*Job, len(jobs)),
		deps: make(map[string]map[string]bool, len(jobs)),
	}

	for _, j := range jobs {
		if j.ID == "" {
			return nil, NewDefinitionError("job is missing an id")
		}
		if _, exists := g.jobs[j.ID]; exists {
			return nil, NewDefinitionError("duplicate job id: %s", j.ID)
		}
		if !j.Type.IsValid() {
			return nil, NewDefinitionError("job %s has unknown type: %s", j.ID, j.Type)
		}
		g.jobs[j.ID] = j
		g.order = append(g.order, j.ID)
		g.deps[j.ID] = make(map[string]bool)
	}

	for _, j := range jobs {
		successors := append(append([]string(nil), j.OnSuccess...), j.OnFailure...)
		if j.AlwaysRun && len(successors) > 0 {
			return nil, NewDefinitionError("always_run job %s may not declare successors", j.ID)
		}
		for _, succ := range successors {
			if _, ok := g.jobs[succ]; !ok {
				return nil, NewDefinitionError("job %s references unknown job: %s", j.ID, succ)
			}
			g.deps[succ][j.ID] = true
		}
	}

	if offender := g.findCycle(); offender != "" {
		return nil, NewDefinitionError("circular dependency involving job: %s", offender)
	}

	return g, nil
}

// findCycle runs a three-colour DFS over the successor edges and
// returns the id of the first job found on a back-edge, or "" if the
// graph is acyclic.
func (g *Graph) findCycle() string {
	colours := make(map[string]int, len(g.jobs))

	var visit func(id string) string
	visit = func(id string) string {
		colours[id] = colourGrey
		j := g.jobs[id]
		for _, succ := range append(append([]string(nil), j.OnSuccess...), j.OnFailure...) {
			switch colours[succ] {
			case colourGrey:
				return succ
			case colourWhite:
				if offender := visit(succ); offender != "" {
					return offender
				}
			}
		}
		colours[id] = colourBlack
		return ""
	}

	for _, id := range g.order {
		if colours[id] == colourWhite {
			if offender := visit(id); offender != "" {
				return offender
			}
		}
	}
	return ""
}

// EntryJobs returns the ids of jobs with no predecessors, in
// definition order. Always-run jobs are excluded; they execute during
// the terminal pass rather than at workflow start.
func (g *Graph) EntryJobs() []string {
	var entries []string
	for _, id := range g.order {
		if g.jobs[id].AlwaysRun {
			continue
		}
		if len(g.deps[id]) == 0 {
			entries = append(entries, id)
		}
	}
	return entries
}

// Predecessors returns the predecessor ids of a job.
func (g *Graph) Predecessors(id string) []string {
	var preds []string
	// Definition order keeps results deterministic for callers and tests.
	for _, candidate := range g.order {
		if g.deps[id][candidate] {
			preds = append(preds, candidate)
		}
	}
	return preds
}

// HasPredecessors returns true if the job has at least one predecessor.
func (g *Graph) HasPredecessors(id string) bool {
	return len(g.deps[id]) > 0
}

// Job returns the job with the given id, or nil if not in the graph.
func (g *Graph) Job(id string) *Job {
	return g.jobs[id]
}

// Len returns the number of jobs in the graph.
func (g *Graph) Len() int {
	return len(g.jobs)
}
