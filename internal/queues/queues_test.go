package queues

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitions_FrontendBackendWildcard(t *testing.T) {
	parts, err := Partitions(
		[]string{"frontend,backend", "*"},
		[]string{"frontend", "backend", "mailers"},
	)
	require.NoError(t, err)
	require.Len(t, parts, 2)

	assert.Equal(t, Partition{{"frontend", 1}, {"backend", 1}}, parts[0])
	assert.Equal(t, Partition{{"frontend", 1}, {"backend", 1}, {"mailers", 1}}, parts[1])
}

func TestPartitions_WildcardKeepsConfiguredOrder(t *testing.T) {
	available := []string{"zeta", "alpha", "mailers", "beta"}

	parts, err := Partitions([]string{"*"}, available)
	require.NoError(t, err)
	assert.Equal(t, available, parts[0].Names())
}

func TestPartitions_DefaultQueuesWhenNoneConfigured(t *testing.T) {
	parts, err := Partitions([]string{"*"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultQueues, parts[0].Names())
}

func TestPartitions_DuplicatesBecomeWeights(t *testing.T) {
	parts, err := Partitions([]string{"high,high,low,high"}, nil)
	require.NoError(t, err)

	assert.Equal(t, Partition{{"high", 3}, {"low", 1}}, parts[0])
	assert.Equal(t, 4, parts[0].Len())
	assert.Equal(t, "high:3,low:1", parts[0].Label())
}

func TestPartitions_Idempotent(t *testing.T) {
	groups := []string{"a,b,a", "*", "c"}
	available := []string{"a", "b", "c"}

	first, err := Partitions(groups, available)
	require.NoError(t, err)
	second, err := Partitions(groups, available)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestPartitions_NewlineRejected(t *testing.T) {
	_, err := Partitions([]string{"a", "b\nc"}, nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestPartitions_AllEmpty(t *testing.T) {
	_, err := Partitions([]string{"", ","}, []string{"a"})
	require.ErrorIs(t, err, ErrNoQueues)

	_, err = Partitions(nil, []string{"a"})
	require.ErrorIs(t, err, ErrNoQueues)
}

func TestPartitions_SomeEmptyIsAllowed(t *testing.T) {
	parts, err := Partitions([]string{"", "a"}, []string{"a"})
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Empty(t, parts[0])
	assert.Equal(t, Partition{{"a", 1}}, parts[1])
}

func TestPartitions_Negate(t *testing.T) {
	parts, err := Partitions(
		[]string{"mailers", "*"},
		[]string{"default", "mailers", "export"},
		WithNegate(),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "export"}, parts[0].Names())

	// Negating everything leaves nothing to run.
	_, err = Partitions([]string{"*"}, []string{"a", "b"}, WithNegate())
	assert.ErrorIs(t, err, ErrNoQueues)
}

func TestConcurrency(t *testing.T) {
	tests := []struct {
		name                      string
		count, min, max, explicit int
		want                      int
	}{
		{"explicit wins", 5, 2, 3, 7, 7},
		{"explicit ignores min", 1, 50, 0, 2, 2},
		{"default is count plus one", 4, 0, 0, 0, 5},
		{"no queues", 0, 0, 0, 0, 1},
		{"clamped to max", 5, 2, 3, 0, 3},
		{"raised to min", 1, 10, 20, 0, 10},
		{"min above computed without max", 1, 10, 0, 0, 2},
		{"min above max", 1, 10, 4, 0, 4},
		{"inside range", 3, 2, 10, 0, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Concurrency(tt.count, tt.min, tt.max, tt.explicit))
		})
	}
}

func TestConcurrency_ExplicitAlwaysWins(t *testing.T) {
	for count := 0; count < 20; count++ {
		for _, bounds := range [][2]int{{0, 0}, {3, 5}, {10, 2}, {1, 100}} {
			assert.Equal(t, 9, Concurrency(count, bounds[0], bounds[1], 9))
		}
	}
}

func TestLoadAvailable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queues.yml")
	require.NoError(t, os.WriteFile(path, []byte("queues:\n  - default\n  - mailers\n  - export\n"), 0o644))

	got, err := LoadAvailable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "mailers", "export"}, got)
}

func TestLoadAvailable_Missing(t *testing.T) {
	got, err := LoadAvailable(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = LoadAvailable("")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadAvailable_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queues.yml")
	require.NoError(t, os.WriteFile(path, []byte("queues: [unterminated"), 0o644))

	_, err := LoadAvailable(path)
	assert.Error(t, err)
}
