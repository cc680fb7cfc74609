package distmap

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/fragnet/internal/models"
)

func snapshot(m *Map) any {
	return struct {
		C  []models.ClientInfo
		Fi []models.FragmentedFile
		Fr []models.FragmentInfo
	}{m.Clients(), m.Files(), m.Fragments()}
}

func TestTryAddClient(t *testing.T) {
	m := New()
	require.True(t, m.TryAddClient("c1", []string{"e1", "e2"}, nil))
	assert.True(t, m.ContainsClient("c1"))

	before := snapshot(m)
	assert.False(t, m.TryAddClient("c1", []string{"e9"}, nil), "duplicate id")
	assert.False(t, m.TryAddClient("c2", []string{"e9", "e2"}, nil), "endpoint overlap")
	assert.False(t, m.TryAddClient("", nil, nil), "empty id")
	if diff := cmp.Diff(before, snapshot(m)); diff != "" {
		t.Fatalf("failed add mutated the map:\n%s", diff)
	}

	assert.Equal(t, []string{"e2"}, m.EndpointConflicts([]string{"e3", "e2"}))
	assert.Empty(t, m.EndpointConflicts([]string{"e3"}))
	require.NoError(t, m.Validate())
}

func TestTryAddClient_LinksKnownFragmentsOnly(t *testing.T) {
	m := New()
	require.True(t, m.TryAddClient("c1", []string{"e1"}, nil))
	require.True(t, m.TryAddFragmentInfo("f1", 10))
	m.AddFragmentOwnership("f1", "c1")

	require.True(t, m.TryAddClient("c2", []string{"e2"}, []string{"f1", "unknown"}))

	ci, ok := m.TryGetClientInfo("c2")
	require.True(t, ok)
	assert.Equal(t, []string{"f1"}, ci.Fragments)

	fi, ok := m.TryGetFragmentInfo("f1")
	require.True(t, ok)
	assert.Equal(t, []string{"c1", "c2"}, fi.Owners)
	assert.Equal(t, int64(10), fi.Size)
	require.NoError(t, m.Validate())
}

func TestTryAdd_Idempotence(t *testing.T) {
	m := New()
	file := models.FragmentedFile{Hash: "h", Size: 2, FragmentSequence: []string{"a"}}

	require.True(t, m.TryAddFileInfo(file))
	require.True(t, m.TryAddClient("c", []string{"e"}, nil))
	require.True(t, m.TryAddFragmentInfo("a", 2))
	m.AddFragmentOwnership("a", "c")

	before := snapshot(m)
	assert.False(t, m.TryAddFileInfo(models.FragmentedFile{Hash: "h", Size: 9, FragmentSequence: []string{"z"}}))
	assert.False(t, m.TryAddClient("c", []string{"e"}, nil))
	assert.False(t, m.TryAddFragmentInfo("a", 99))
	if diff := cmp.Diff(before, snapshot(m)); diff != "" {
		t.Fatalf("second add mutated the map:\n%s", diff)
	}
}

func TestTryAddFragmentInfo_RejectsBadInput(t *testing.T) {
	m := New()
	assert.False(t, m.TryAddFragmentInfo("", 1))
	assert.False(t, m.TryAddFragmentInfo("x", 0))
}

func TestTryGet_Missing(t *testing.T) {
	m := New()
	_, ok := m.TryGetClientInfo("x")
	assert.False(t, ok)
	_, ok = m.TryGetFileInfo("x")
	assert.False(t, ok)
	_, ok = m.TryGetFragmentInfo("x")
	assert.False(t, ok)
}

func TestAddFragmentOwnership_UnknownSidesAreNoOps(t *testing.T) {
	m := New()
	require.True(t, m.TryAddClient("c", []string{"e"}, nil))
	require.True(t, m.TryAddFragmentInfo("f", 1))
	m.AddFragmentOwnership("f", "c")

	before := snapshot(m)
	m.AddFragmentOwnership("nope", "c")
	m.AddFragmentOwnership("f", "ghost")
	m.AddFragmentOwnerships("f", []string{"ghost", "c"})
	if diff := cmp.Diff(before, snapshot(m)); diff != "" {
		t.Fatalf("stale reference mutated the map:\n%s", diff)
	}
}

func TestRemoveClient_Cascades(t *testing.T) {
	m := New()
	require.True(t, m.TryAddClient("solo", []string{"e1"}, nil))
	require.True(t, m.TryAddClient("co", []string{"e2"}, nil))
	require.True(t, m.TryAddFragmentInfo("F", 1))
	require.True(t, m.TryAddFragmentInfo("G", 1))
	m.AddFragmentOwnership("F", "solo")
	m.AddFragmentOwnerships("G", []string{"solo", "co"})

	require.True(t, m.RemoveClient("solo"))
	assert.False(t, m.ContainsFragment("F"), "sole-owned fragment goes away")

	fi, ok := m.TryGetFragmentInfo("G")
	require.True(t, ok)
	assert.Equal(t, []string{"co"}, fi.Owners)

	assert.Empty(t, m.EndpointConflicts([]string{"e1"}), "endpoints are freed")
	assert.True(t, m.TryAddClient("new", []string{"e1"}, nil))

	assert.False(t, m.RemoveClient("solo"))
	require.NoError(t, m.Validate())
}

func TestRemoveFragmentOwnership(t *testing.T) {
	m := New()
	require.True(t, m.TryAddClient("a", []string{"ea"}, nil))
	require.True(t, m.TryAddClient("b", []string{"eb"}, nil))
	require.True(t, m.TryAddFragmentInfo("F", 1))
	m.AddFragmentOwnerships("F", []string{"a", "b"})

	require.True(t, m.RemoveFragmentOwnership("F", "a"))
	fi, ok := m.TryGetFragmentInfo("F")
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, fi.Owners, "co-owner keeps its ownership")

	ci, _ := m.TryGetClientInfo("b")
	assert.Equal(t, []string{"F"}, ci.Fragments)

	assert.False(t, m.RemoveFragmentOwnership("F", "a"))
	require.True(t, m.RemoveFragmentOwnership("F", "b"))
	assert.False(t, m.ContainsFragment("F"))
	require.NoError(t, m.Validate())
}

func TestRemoveFragment_UnlinksOwners(t *testing.T) {
	m := New()
	require.True(t, m.TryAddClient("a", []string{"ea"}, nil))
	require.True(t, m.TryAddFragmentInfo("F", 1))
	m.AddFragmentOwnership("F", "a")

	require.True(t, m.RemoveFragment("F"))
	ci, _ := m.TryGetClientInfo("a")
	assert.Empty(t, ci.Fragments)
	assert.False(t, m.RemoveFragment("F"))
	require.NoError(t, m.Validate())
}

func TestRemoveFile(t *testing.T) {
	m := New()
	require.True(t, m.TryAddFileInfo(models.FragmentedFile{Hash: "h", Size: 1, FragmentSequence: []string{"x"}}))
	require.True(t, m.RemoveFile("h"))
	assert.False(t, m.RemoveFile("h"))
	assert.False(t, m.ContainsFile("h"))
}

func TestSnapshotsAreCopies(t *testing.T) {
	m := New()
	require.True(t, m.TryAddFileInfo(models.FragmentedFile{Hash: "h", Size: 1, FragmentSequence: []string{"x"}}))
	f, _ := m.TryGetFileInfo("h")
	f.FragmentSequence[0] = "mutated"

	again, _ := m.TryGetFileInfo("h")
	assert.Equal(t, "x", again.FragmentSequence[0])
}

func TestClear(t *testing.T) {
	m := New()
	require.True(t, m.TryAddClient("a", []string{"e"}, nil))
	m.Clear()
	assert.False(t, m.ContainsClient("a"))
	assert.Empty(t, m.Clients())
	assert.True(t, m.TryAddClient("b", []string{"e"}, nil))
}

func TestEndpointsOf(t *testing.T) {
	m := New()
	require.True(t, m.TryAddClient("a", []string{"e2", "e1"}, nil))
	require.True(t, m.TryAddClient("b", []string{"e3"}, nil))
	assert.Equal(t, []string{"e1", "e2", "e3"}, m.EndpointsOf([]string{"b", "a", "ghost"}))
	assert.Equal(t, []string{"a", "b"}, m.ClientIDs())
}

func TestValidate_DetectsCorruption(t *testing.T) {
	m := New()
	require.True(t, m.TryAddClient("a", []string{"e"}, nil))
	m.clients["a"].fragments["dangling"] = struct{}{}

	err := m.Validate()
	require.ErrorIs(t, err, ErrInvariant)
}

// Random mutation sequences never leave dangling ownership or shared
// endpoints behind.
func TestInvariants_RandomMutations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	m := New()

	id := func() string { return fmt.Sprintf("c%d", rng.Intn(6)) }
	frag := func() string { return fmt.Sprintf("f%d", rng.Intn(8)) }
	ep := func() string { return fmt.Sprintf("e%d", rng.Intn(10)) }

	for i := 0; i < 5000; i++ {
		switch rng.Intn(8) {
		case 0:
			m.TryAddClient(id(), []string{ep(), ep()}, []string{frag(), frag()})
		case 1:
			m.TryAddFragmentInfo(frag(), int64(1+rng.Intn(10)))
			// freshly added fragments get an owner right away, as the tracker does
			for _, fi := range m.Fragments() {
				if len(fi.Owners) == 0 {
					m.AddFragmentOwnership(fi.Hash, id())
					if fi2, ok := m.TryGetFragmentInfo(fi.Hash); ok && len(fi2.Owners) == 0 {
						m.RemoveFragment(fi.Hash)
					}
				}
			}
		case 2:
			m.AddFragmentOwnership(frag(), id())
		case 3:
			m.RemoveFragmentOwnership(frag(), id())
		case 4:
			m.RemoveFragment(frag())
		case 5:
			m.RemoveClient(id())
		case 6:
			m.TryAddFileInfo(models.FragmentedFile{Hash: frag(), Size: 1, FragmentSequence: []string{frag()}})
		case 7:
			m.RemoveFile(frag())
		}

		require.NoError(t, m.Validate(), "step %d", i)
	}

	// endpoints never overlap
	seen := map[string]string{}
	for _, c := range m.Clients() {
		for _, e := range c.Endpoints {
			_, dup := seen[e]
			require.False(t, dup)
			seen[e] = c.ID
		}
	}
}
