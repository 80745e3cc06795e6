package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchRoutingKey(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"ast.task.completed", "ast.task.completed", true},
		{"ast.task.completed", "ast.task.completed.extra", false},
		{"stage.completed.*", "stage.completed.analysis", true},
		{"stage.completed.*", "stage.completed", false},
		{"stage.completed.*", "stage.completed.analysis.v2", false},
		{"workflow.jobs.#", "workflow.jobs.created.CODE_REVIEW", true},
		{"workflow.jobs.#", "workflow.jobs.resumed.CODE_REVIEW", true},
		{"workflow.jobs.#", "workflow.jobs", true},
		{"workflow.jobs.*", "workflow.jobs.resumed.CODE_REVIEW", false},
		{"#", "anything.at.all", true},
		{"#.completed", "stage.completed", true},
		{"#.completed", "completed", true},
		{"*.task.#", "ast.task", true},
		{"*.task.#", "task", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchRoutingKey(tc.pattern, tc.key), "%s vs %s", tc.pattern, tc.key)
	}
}

func TestTopologyRegisterAndRoute(t *testing.T) {
	topo := NewTopology()
	require.NoError(t, topo.Register(QueueSpec{
		Name:     "jobs",
		Bindings: []Binding{{Exchange: "wf", Pattern: "workflow.jobs.#"}},
	}))
	require.NoError(t, topo.Register(QueueSpec{
		Name: "stages",
		Bindings: []Binding{
			{Exchange: "events", Pattern: "stage.completed.*"},
			{Exchange: "events.delayed", Pattern: "stage.completed.*"},
		},
	}))

	assert.Error(t, topo.Register(QueueSpec{Name: "jobs", Bindings: []Binding{{Exchange: "wf", Pattern: "x"}}}))
	assert.Error(t, topo.Register(QueueSpec{Name: "empty"}))
	assert.Error(t, topo.Register(QueueSpec{Name: "partial", Bindings: []Binding{{Exchange: "wf"}}}))

	assert.Equal(t, []string{"jobs"}, topo.Route("wf", "workflow.jobs.created.CODE_REVIEW"))
	assert.Equal(t, []string{"stages"}, topo.Route("events.delayed", "stage.completed.analysis"))
	assert.Empty(t, topo.Route("events", "ast.task.completed"))

	spec, ok := topo.Queue("stages")
	require.True(t, ok)
	assert.Len(t, spec.Bindings, 2)
	assert.Len(t, topo.Queues(), 2)
}
