package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func job(id string, opts ...func(*Job)) *Job {
	j := NewJob(id, JobTypeProcessing, nil)
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func onSuccess(ids ...string) func(*Job) {
	return func(j *Job) { j.OnSuccess = ids }
}

func onFailure(ids ...string) func(*Job) {
	return func(j *Job) { j.OnFailure = ids }
}

func alwaysRun() func(*Job) {
	return func(j *Job) { j.AlwaysRun = true }
}

func TestBuildGraph_EntryJobs(t *testing.T) {
	g, err := BuildGraph([]*Job{
		job("a", onSuccess("b")),
		job("b", onSuccess("c")),
		job("c"),
		job("d"),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "d"}, g.EntryJobs())
}

func TestBuildGraph_EntryJobsExcludeAlwaysRun(t *testing.T) {
	g, err := BuildGraph([]*Job{
		job("a"),
		job("cleanup", alwaysRun()),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, g.EntryJobs())
}

func TestBuildGraph_Predecessors(t *testing.T) {
	g, err := BuildGraph([]*Job{
		job("a", onSuccess("c")),
		job("b", onFailure("c")),
		job("c"),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, g.Predecessors("c"))
	require.Empty(t, g.Predecessors("a"))
	require.True(t, g.HasPredecessors("c"))
	require.False(t, g.HasPredecessors("b"))
}

func TestBuildGraph_InvalidReference(t *testing.T) {
	_, err := BuildGraph([]*Job{job("a", onSuccess("ghost"))})
	require.Error(t, err)
	var defErr *DefinitionError
	require.ErrorAs(t, err, &defErr)
	require.Contains(t, err.Error(), "unknown job")
}

func TestBuildGraph_DuplicateID(t *testing.T) {
	_, err := BuildGraph([]*Job{job("a"), job("a")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate job id")
}

func TestBuildGraph_UnknownType(t *testing.T) {
	bad := NewJob("a", JobType("shipping"), nil)
	_, err := BuildGraph([]*Job{bad})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown type")
}

func TestBuildGraph_Cycle(t *testing.T) {
	tests := []struct {
		name string
		jobs []*Job
	}{
		{"self loop", []*Job{job("a", onSuccess("a"))}},
		{"two cycle", []*Job{job("a", onSuccess("b")), job("b", onSuccess("a"))}},
		{"long cycle", []*Job{
			job("a", onSuccess("b")),
			job("b", onSuccess("c")),
			job("c", onFailure("a")),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildGraph(tt.jobs)
			require.Error(t, err)
			require.Contains(t, err.Error(), "circular dependency")
		})
	}
}

func TestBuildGraph_DiamondIsAcyclic(t *testing.T) {
	// Two paths into the same job is a join, not a cycle.
	g, err := BuildGraph([]*Job{
		job("s", onSuccess("p1", "p2")),
		job("p1", onSuccess("agg")),
		job("p2", onSuccess("agg")),
		job("agg"),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"s"}, g.EntryJobs())
	require.Equal(t, []string{"p1", "p2"}, g.Predecessors("agg"))
}

func TestBuildGraph_AlwaysRunSuccessorsRejected(t *testing.T) {
	_, err := BuildGraph([]*Job{
		job("cleanup", alwaysRun(), onSuccess("a")),
		job("a"),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "may not declare successors")
}
