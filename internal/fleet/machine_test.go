package fleet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rat-data/remote-build-queue/internal/domain"
)

func TestLoadMachines_CanonicalizesSystemTypes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
machines:
  - store_uri: ssh://host
    system_types: [x86_64-linux, aarch64-linux, x86_64-linux]
    supported_features: [big-parallel]
    mandatory_features: []
    speed_factor: 1
    max_jobs: 1
`), 0o644))

	machines, err := LoadMachines(path)
	require.NoError(t, err)
	require.Len(t, machines, 1)
	assert.Equal(t, []string{"aarch64-linux", "x86_64-linux"}, machines[0].SystemTypes)
}

func TestLoadMachines_RejectsMissingStoreURI(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
machines:
  - max_jobs: 1
`), 0o644))

	_, err := LoadMachines(path)
	assert.Error(t, err)
}

func TestLoadMachines_RejectsMaxJobsBelowOne(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
machines:
  - store_uri: ssh://host
    max_jobs: 0
`), 0o644))

	_, err := LoadMachines(path)
	assert.Error(t, err)
}

func TestCanBuild_BuiltinSystemMatchesAnyMachine(t *testing.T) {
	m := domain.Machine{SystemTypes: []string{"x86_64-linux"}}
	j := domain.Job{System: "builtin"}
	assert.True(t, CanBuild(m, j))
}

func TestCanBuild_RequiresSystemMatch(t *testing.T) {
	m := domain.Machine{SystemTypes: []string{"x86_64-linux"}}
	j := domain.Job{System: "aarch64-linux"}
	assert.False(t, CanBuild(m, j))
}

func TestCanBuild_RequiredFeaturesMustBeSupported(t *testing.T) {
	m := domain.Machine{SystemTypes: []string{"x86_64-linux"}, SupportedFeatures: []string{"big-parallel"}}
	j := domain.Job{System: "x86_64-linux", RequiredFeatures: []string{"big-parallel", "kvm"}}
	assert.False(t, CanBuild(m, j))
}

func TestCanBuild_MandatoryFeaturesMustBeRequested(t *testing.T) {
	m := domain.Machine{
		SystemTypes:       []string{"x86_64-linux"},
		SupportedFeatures: []string{"big-parallel", "kvm"},
		MandatoryFeatures: []string{"kvm"},
	}
	requestsKVM := domain.Job{System: "x86_64-linux", RequiredFeatures: []string{"big-parallel", "kvm"}}
	assert.True(t, CanBuild(m, requestsKVM))

	missingKVM := domain.Job{System: "x86_64-linux", RequiredFeatures: []string{"big-parallel"}}
	assert.False(t, CanBuild(m, missingKVM), "a machine with a mandatory feature cannot build a job that doesn't ask for it")
}

func TestLess_StrictlyBetterInEveryDimension(t *testing.T) {
	better := domain.Machine{
		SystemTypes:       []string{"a"},
		SupportedFeatures: []string{"x", "y"},
		MandatoryFeatures: []string{},
		SpeedFactor:       2,
		MaxJobs:           2,
		StoreURI:          "a",
		SSHPublicHostKey:  "a",
		SSHKey:            "a",
	}
	worse := domain.Machine{
		SystemTypes:       []string{"b"},
		SupportedFeatures: []string{"x"},
		MandatoryFeatures: []string{},
		SpeedFactor:       1,
		MaxJobs:           1,
		StoreURI:          "b",
		SSHPublicHostKey:  "b",
		SSHKey:            "b",
	}
	assert.True(t, Less(better, worse))
	assert.False(t, Less(worse, better))
}

func TestLess_NotTotalOrder_IncomparableWhenMixed(t *testing.T) {
	a := domain.Machine{SystemTypes: []string{"a"}, SpeedFactor: 1, MaxJobs: 1, StoreURI: "a", SSHPublicHostKey: "a", SSHKey: "a"}
	b := domain.Machine{SystemTypes: []string{"b"}, SpeedFactor: 2, MaxJobs: 1, StoreURI: "b", SSHPublicHostKey: "b", SSHKey: "b"}

	assert.False(t, Less(a, b))
	assert.False(t, Less(b, a))
}

func TestSortByPriority_OrdersBestFirst(t *testing.T) {
	fast := domain.Machine{SystemTypes: []string{"a"}, SpeedFactor: 5, MaxJobs: 4, StoreURI: "a", SSHPublicHostKey: "a", SSHKey: "a"}
	slow := domain.Machine{SystemTypes: []string{"b"}, SpeedFactor: 1, MaxJobs: 1, StoreURI: "b", SSHPublicHostKey: "b", SSHKey: "b"}

	sorted := SortByPriority([]domain.Machine{slow, fast})
	assert.Equal(t, "a", sorted[0].StoreURI)
}
