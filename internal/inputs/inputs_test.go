package inputs

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddIsIdempotent(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	first := r.Add("web", "host1")
	second := r.Add("web", "host1")
	require.Equal(t, first, second)
	require.Equal(t, 1, r.Len())
}

func TestDistinctPairsGetDistinctNames(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	pairs := [][2]string{
		{"web", "host1"},
		{"web", "host2"},
		{"api", "host1"},
		{"webhost", "1"},
		{"", "webhost1"},
	}
	seen := make(map[string][2]string)
	for _, p := range pairs {
		name := r.Add(p[0], p[1])
		other, dup := seen[name]
		require.False(t, dup, "name %q shared by %v and %v", name, p, other)
		seen[name] = p
	}
	require.Equal(t, len(pairs), r.Len())
}

func TestRemoveThenAddKeepsName(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	name := r.Add("web", "host1")
	require.Equal(t, name, r.Remove("web", "host1"))
	require.Zero(t, r.Len())
	_, ok := r.Get(name)
	require.False(t, ok)

	require.Equal(t, name, r.Add("web", "host1"))
	require.Equal(t, 1, r.Len())
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Add("web", "host1")

	name := r.Remove("never", "seen")
	require.Equal(t, NameOf("never", "seen"), name)
	require.Equal(t, 1, r.Len())
}

func TestListKeepsInsertionOrder(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Add("b", "1")
	r.Add("a", "1")
	r.Add("c", "1")
	r.Remove("a", "1")
	r.Add("a", "1")

	var names []string
	for _, in := range r.List() {
		names = append(names, in.Name)
	}
	require.Equal(t, []string{"b|1", "c|1", "a|1"}, names)
}

func TestConcurrentAdd(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Add("stream", fmt.Sprintf("src-%d", i%5))
		}(i)
	}
	wg.Wait()
	require.Equal(t, 5, r.Len())
	require.Len(t, r.List(), 5)
}
