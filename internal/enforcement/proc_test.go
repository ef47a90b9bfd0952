package enforcement

import (
	"context"
	"errors"
	"os"
	"runtime"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/warden/internal/overuse"
)

type nameClassifier struct{}

func (nameClassifier) Classify(name string, uid int32) overuse.PackageInfo {
	return overuse.PackageInfo{Name: name, UID: uid, ComponentType: overuse.ComponentThirdParty}
}

type fakeProc struct {
	name string
	uid  int32
}

// fakeProcesses is an in-memory process table keyed by pid.
type fakeProcesses map[int32]fakeProc

var errNoProcess = errors.New("process does not exist")

func (f fakeProcesses) PIDs(context.Context) ([]int32, error) {
	pids := make([]int32, 0, len(f))
	for pid := range f {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids, nil
}

func (f fakeProcesses) Name(_ context.Context, pid int32) (string, error) {
	p, ok := f[pid]
	if !ok {
		return "", errNoProcess
	}
	return p.name, nil
}

func (f fakeProcesses) UID(_ context.Context, pid int32) (int32, error) {
	p, ok := f[pid]
	if !ok {
		return 0, errNoProcess
	}
	return p.uid, nil
}

// TestProcResolver verifies name and uid resolution, and that a known uid is
// kept.
func TestProcResolver(t *testing.T) {
	r := &ProcResolver{
		procs:      fakeProcesses{42: {name: "com.example.app", uid: 1010042}},
		classifier: nameClassifier{},
	}

	info, err := r.Resolve(context.Background(), 42, -1)
	require.NoError(t, err)
	assert.Equal(t, "com.example.app", info.Name)
	assert.Equal(t, int32(1010042), info.UID)

	info, err = r.Resolve(context.Background(), 42, 7)
	require.NoError(t, err)
	assert.Equal(t, int32(7), info.UID, "a known uid is not re-read")

	_, err = r.Resolve(context.Background(), 43, -1)
	assert.ErrorIs(t, err, errNoProcess)
}

// TestProcessTerminatorByPackage verifies that a package target kills every
// process of that package and uid, and nothing else.
func TestProcessTerminatorByPackage(t *testing.T) {
	var killed []int32
	term := &ProcessTerminator{
		procs: fakeProcesses{
			10: {name: "com.example.app", uid: 1010001},
			11: {name: "com.example.app", uid: 1010001},
			12: {name: "com.example.app", uid: 1110001},
			13: {name: "com.other", uid: 1010001},
		},
		kill: func(pid int32) error {
			killed = append(killed, pid)
			return nil
		},
	}

	pkg := overuse.PackageInfo{Name: "com.example.app", UID: 1010001}
	require.NoError(t, term.Terminate(context.Background(), Target{Package: &pkg}))
	assert.ElementsMatch(t, []int32{10, 11}, killed)

	killed = nil
	require.NoError(t, term.Terminate(context.Background(), Target{PID: 99}))
	assert.Equal(t, []int32{99}, killed)

	missing := overuse.PackageInfo{Name: "com.gone", UID: 1}
	assert.Error(t, term.Terminate(context.Background(), Target{Package: &missing}))
	assert.Error(t, term.Terminate(context.Background(), Target{}))
}

// TestHostProcessesSelf verifies the gopsutil-backed table against the test
// process itself.
func TestHostProcessesSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("uids are only reported on linux")
	}
	procs := hostProcesses{}
	self := int32(os.Getpid())

	pids, err := procs.PIDs(context.Background())
	require.NoError(t, err)
	assert.Contains(t, pids, self)

	name, err := procs.Name(context.Background(), self)
	require.NoError(t, err)
	assert.NotEmpty(t, name)

	uid, err := procs.UID(context.Background(), self)
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getuid()), uid)
}
