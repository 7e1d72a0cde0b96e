package projection

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAdd(t *testing.T, s *Store, summary string) string {
	t.Helper()
	id, err := s.Add(AddParams{Summary: summary})
	require.NoError(t, err)
	return id
}

func TestLinkDependencyRejectsSelf(t *testing.T) {
	s := openTestStore(t)
	a := mustAdd(t, s, "a")

	_, err := s.LinkDependency(a, a, StatusDone, "")
	require.Error(t, err)
	assert.True(t, IsInvariant(err))
}

func TestLinkDependencyRejectsMissingSubject(t *testing.T) {
	s := openTestStore(t)
	a := mustAdd(t, s, "a")

	_, err := s.LinkDependency(a, "ghost", StatusDone, "")
	require.Error(t, err)
	assert.True(t, IsInvariant(err))
}

func TestLinkDependencyRejectsCycle(t *testing.T) {
	s := openTestStore(t)
	a := mustAdd(t, s, "a")
	b := mustAdd(t, s, "b")
	c := mustAdd(t, s, "c")

	_, err := s.LinkDependency(a, b, StatusDone, "")
	require.NoError(t, err)
	_, err = s.LinkDependency(b, c, StatusDone, "")
	require.NoError(t, err)

	_, err = s.LinkDependency(c, a, StatusDone, "")
	require.Error(t, err)
	assert.True(t, IsInvariant(err))
}

func TestLinkDependencyChainDepthCap(t *testing.T) {
	s := openTestStore(t)

	ids := make([]string, 6)
	for i := range ids {
		ids[i] = mustAdd(t, s, fmt.Sprintf("node %d", i))
	}

	// A chain of five nodes is the maximum.
	for i := 0; i < 4; i++ {
		_, err := s.LinkDependency(ids[i], ids[i+1], StatusDone, "")
		require.NoError(t, err, "edge %d", i)
	}

	_, err := s.LinkDependency(ids[4], ids[5], StatusDone, "")
	require.Error(t, err)
	assert.True(t, IsInvariant(err))
}

func TestAddRollsBackOnBadDependency(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Add(AddParams{
		Summary:   "observer",
		DependsOn: []DependencySpec{{SubjectID: "ghost", Condition: StatusDone}},
	})
	require.Error(t, err)
	assert.True(t, IsInvariant(err))

	items, err := s.GetUpcoming(365)
	require.NoError(t, err)
	assert.Empty(t, items, "the projection insert must roll back with its dependencies")
}

func TestConditionTypeInference(t *testing.T) {
	s := openTestStore(t)
	a := mustAdd(t, s, "a")
	b := mustAdd(t, s, "b")
	c := mustAdd(t, s, "c")

	_, err := s.LinkDependency(a, b, StatusDone, "")
	require.NoError(t, err)
	_, err = s.LinkDependency(a, c, "user confirms the booking", "")
	require.NoError(t, err)

	deps, err := s.GetDependencies(a)
	require.NoError(t, err)
	require.Len(t, deps, 2)

	byCond := map[string]string{}
	for _, d := range deps {
		byCond[d.Condition] = d.ConditionType
	}
	assert.Equal(t, ConditionStatusChange, byCond[StatusDone])
	assert.Equal(t, ConditionLLM, byCond["user confirms the booking"])
}

func TestEvaluateDependenciesActivation(t *testing.T) {
	s := openTestStore(t)
	observer := mustAdd(t, s, "follow up after report lands")
	subject := mustAdd(t, s, "finish report")

	_, err := s.LinkDependency(observer, subject, StatusDone, "")
	require.NoError(t, err)

	// Subject still pending: nothing activates.
	n, err := s.EvaluateDependencies()
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.Resolve(subject, StatusDone)
	require.NoError(t, err)

	n, err = s.EvaluateDependencies()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := s.Get(observer)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status, "activation schedules, it does not resolve")
	assert.Equal(t, ResolutionExact, p.Resolution)
	assert.NotEmpty(t, p.ResolvedWhen)

	deps, err := s.GetDependencies(observer)
	require.NoError(t, err)
	assert.Empty(t, deps, "edges are removed on activation")

	// Idempotent: a second pass finds nothing.
	n, err = s.EvaluateDependencies()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEvaluateDependenciesRequiresAllEdges(t *testing.T) {
	s := openTestStore(t)
	observer := mustAdd(t, s, "observer")
	first := mustAdd(t, s, "first prerequisite")
	second := mustAdd(t, s, "second prerequisite")

	_, err := s.LinkDependency(observer, first, StatusDone, "")
	require.NoError(t, err)
	_, err = s.LinkDependency(observer, second, StatusDone, "")
	require.NoError(t, err)

	_, err = s.Resolve(first, StatusDone)
	require.NoError(t, err)

	n, err := s.EvaluateDependencies()
	require.NoError(t, err)
	assert.Zero(t, n, "one satisfied edge of two is not enough")

	_, err = s.Resolve(second, StatusDone)
	require.NoError(t, err)
	n, err = s.EvaluateDependencies()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLLMConditionsNeverSatisfy(t *testing.T) {
	s := openTestStore(t)
	observer := mustAdd(t, s, "observer")
	subject := mustAdd(t, s, "subject")

	_, err := s.LinkDependency(observer, subject, "the weather clears up", ConditionLLM)
	require.NoError(t, err)

	_, err = s.Resolve(subject, StatusDone)
	require.NoError(t, err)

	n, err := s.EvaluateDependencies()
	require.NoError(t, err)
	assert.Zero(t, n)
}
