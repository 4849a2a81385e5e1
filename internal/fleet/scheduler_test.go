package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rat-data/remote-build-queue/internal/domain"
)

type fakeTarget struct {
	machine  domain.Machine
	idle     bool
	assigned domain.Job
	tookJob  bool
}

func (f *fakeTarget) Machine() domain.Machine { return f.machine }
func (f *fakeTarget) Idle() bool              { return f.idle }
func (f *fakeTarget) TryAssign(job domain.Job) bool {
	if !f.idle {
		return false
	}
	f.idle = false
	f.assigned = job
	f.tookJob = true
	return true
}

func TestSelectWorker_PicksFirstEligibleInPriorityOrder(t *testing.T) {
	slow := &fakeTarget{machine: domain.Machine{StoreURI: "slow", SystemTypes: []string{"x86_64-linux"}}, idle: true}
	fast := &fakeTarget{machine: domain.Machine{StoreURI: "fast", SystemTypes: []string{"x86_64-linux"}}, idle: true}
	job := domain.Job{System: "x86_64-linux"}

	w, ok := selectWorker([]DispatchTarget{fast, slow}, job)
	require.True(t, ok)
	assert.Equal(t, "fast", w.Machine().StoreURI)
	assert.True(t, fast.tookJob)
	assert.False(t, slow.tookJob)
}

func TestSelectWorker_SkipsBusyWorkers(t *testing.T) {
	busy := &fakeTarget{machine: domain.Machine{StoreURI: "busy", SystemTypes: []string{"x86_64-linux"}}, idle: false}
	idle := &fakeTarget{machine: domain.Machine{StoreURI: "idle", SystemTypes: []string{"x86_64-linux"}}, idle: true}
	job := domain.Job{System: "x86_64-linux"}

	w, ok := selectWorker([]DispatchTarget{busy, idle}, job)
	require.True(t, ok)
	assert.Equal(t, "idle", w.Machine().StoreURI)
}

func TestSelectWorker_SkipsIneligibleMachines(t *testing.T) {
	wrongSystem := &fakeTarget{machine: domain.Machine{StoreURI: "wrong", SystemTypes: []string{"aarch64-linux"}}, idle: true}
	job := domain.Job{System: "x86_64-linux"}

	_, ok := selectWorker([]DispatchTarget{wrongSystem}, job)
	assert.False(t, ok)
}

func TestSelectWorker_NoMachineAvailable_EmptyFleet(t *testing.T) {
	_, ok := selectWorker(nil, domain.Job{System: "x86_64-linux"})
	assert.False(t, ok)
}

func TestSelectWorker_BuiltinSystemMatchesAnyEligibleMachine(t *testing.T) {
	w := &fakeTarget{machine: domain.Machine{StoreURI: "any", SystemTypes: []string{"aarch64-linux"}}, idle: true}
	job := domain.Job{System: "builtin"}

	got, ok := selectWorker([]DispatchTarget{w}, job)
	require.True(t, ok)
	assert.Equal(t, "any", got.Machine().StoreURI)
}
