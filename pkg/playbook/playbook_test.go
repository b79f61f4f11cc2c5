package playbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlaybook = `
path: examples/fetch_and_store
workload:
  env: dev
steps:
  - name: fetch
    kind: http
    tool:
      http:
        method: GET
        url: "https://api.example.com/{{ workload.env }}/users"
    next: [store]
  - name: store
    kind: postgres
    tool:
      postgres:
        statement: "INSERT INTO users SELECT 1"
    when: "fetch.status == 200"
    retry:
      max_attempts: 3
      retry_on: [tool_execution, task_timeout]
      base_backoff: 2s
    next: [report]
  - name: report
    kind: echo
finally: report
`

func TestLoad_Valid(t *testing.T) {
	pb, err := Load([]byte(samplePlaybook))
	require.NoError(t, err)

	assert.Equal(t, "examples/fetch_and_store", pb.Path)
	assert.Len(t, pb.Steps, 3)
	assert.Equal(t, "report", pb.Finally)
	assert.Equal(t, "dev", pb.Workload["env"])

	fetch := pb.Step("fetch")
	require.NotNil(t, fetch)
	assert.Equal(t, "http", fetch.Kind)
	require.NotNil(t, fetch.Tool.HTTP)
	assert.Equal(t, "GET", fetch.Tool.HTTP.Method)

	store := pb.Step("store")
	require.NotNil(t, store)
	require.NotNil(t, store.Retry)
	assert.Equal(t, 3, store.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, store.Retry.BaseBackoff)

	assert.Nil(t, pb.Step("missing"))
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no steps",
			yaml: `path: p`,
			want: "no steps",
		},
		{
			name: "duplicate step name",
			yaml: "steps:\n  - {name: a, kind: echo}\n  - {name: a, kind: echo}",
			want: "duplicate step name",
		},
		{
			name: "unknown next",
			yaml: "steps:\n  - {name: a, kind: echo, next: [ghost]}",
			want: "unknown next step",
		},
		{
			name: "missing kind",
			yaml: "steps:\n  - {name: a}",
			want: "no kind",
		},
		{
			name: "unknown finally",
			yaml: "finally: ghost\nsteps:\n  - {name: a, kind: echo}",
			want: "finally",
		},
		{
			name: "loop without element",
			yaml: "steps:\n  - name: a\n    kind: echo\n    loop:\n      collection: [1, 2]",
			want: "element",
		},
		{
			name: "async loop without concurrency",
			yaml: "steps:\n  - name: a\n    kind: echo\n    loop:\n      collection: [1]\n      element: item\n      mode: async",
			want: "concurrency",
		},
		{
			name: "retry without attempts",
			yaml: "steps:\n  - name: a\n    kind: echo\n    retry: {max_attempts: 0}",
			want: "max_attempts",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_DefaultsLoopMode(t *testing.T) {
	pb, err := Load([]byte("steps:\n  - name: a\n    kind: echo\n    loop:\n      collection: [1]\n      element: item"))
	require.NoError(t, err)
	assert.Equal(t, LoopSequential, pb.Steps[0].Loop.Mode)
}

func TestPredecessors(t *testing.T) {
	pb, err := Load([]byte(samplePlaybook))
	require.NoError(t, err)

	assert.Equal(t, []string{"fetch"}, pb.Predecessors("store"))
	assert.Equal(t, []string{"store"}, pb.Predecessors("report"))
	assert.Empty(t, pb.Predecessors("fetch"))
}

func TestRetryPolicy_Retries(t *testing.T) {
	var nilPolicy *RetryPolicy
	assert.False(t, nilPolicy.Retries(1, "tool_execution"))

	p := &RetryPolicy{MaxAttempts: 3}
	assert.True(t, p.Retries(1, "tool_execution"))
	assert.True(t, p.Retries(2, "anything"))
	assert.False(t, p.Retries(3, "tool_execution"), "attempts are exhausted at max")

	scoped := &RetryPolicy{MaxAttempts: 5, RetryOn: []string{"task_timeout"}}
	assert.True(t, scoped.Retries(1, "task_timeout"))
	assert.False(t, scoped.Retries(1, "tool_execution"))
}
