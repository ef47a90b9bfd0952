package enforcement

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/dreamware/warden/internal/overuse"
)

// Classifier names the package of a process. *overuse.Configs implements it.
type Classifier interface {
	Classify(name string, uid int32) overuse.PackageInfo
}

// processTable is the view of running processes that resolution and
// termination need.
type processTable interface {
	PIDs(ctx context.Context) ([]int32, error)
	Name(ctx context.Context, pid int32) (string, error)
	UID(ctx context.Context, pid int32) (int32, error)
}

// hostProcesses reads the host process table through gopsutil.
type hostProcesses struct{}

func (hostProcesses) PIDs(ctx context.Context) ([]int32, error) {
	return process.PidsWithContext(ctx)
}

// Name returns the base name of argv[0], which is the package name of an
// application process. Kernel threads fall back to the command name.
func (hostProcesses) Name(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	args, err := p.CmdlineSliceWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("cmdline of %d: %w", pid, err)
	}
	if len(args) > 0 && args[0] != "" {
		return filepath.Base(args[0]), nil
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("name of %d: %w", pid, err)
	}
	if name == "" {
		return "", fmt.Errorf("process %d has no name", pid)
	}
	return name, nil
}

// UID returns the real uid of pid.
func (hostProcesses) UID(ctx context.Context, pid int32) (int32, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return 0, err
	}
	uids, err := p.UidsWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("uids of %d: %w", pid, err)
	}
	if len(uids) == 0 {
		return 0, fmt.Errorf("process %d reports no uid", pid)
	}
	return int32(uids[0]), nil
}

// ProcResolver resolves the package of a running process.
type ProcResolver struct {
	procs      processTable
	classifier Classifier
}

// NewProcResolver creates a resolver over the host process table.
//
// Parameters:
//   - classifier: maps a process name and uid to its package
//
// Returns:
//   - *ProcResolver: ready to pass to WithResolver
//
// Example:
//
//	resolver := enforcement.NewProcResolver(configs)
//	coord := enforcement.NewCoordinator(policy, enforcement.WithResolver(resolver))
func NewProcResolver(classifier Classifier) *ProcResolver {
	return &ProcResolver{procs: hostProcesses{}, classifier: classifier}
}

// Resolve reads the process name and, when uid is negative, its real uid.
func (r *ProcResolver) Resolve(ctx context.Context, pid, uid int32) (overuse.PackageInfo, error) {
	name, err := r.procs.Name(ctx, pid)
	if err != nil {
		return overuse.PackageInfo{}, err
	}
	if uid < 0 {
		if uid, err = r.procs.UID(ctx, pid); err != nil {
			return overuse.PackageInfo{}, err
		}
	}
	return r.classifier.Classify(name, uid), nil
}

// packagePIDs lists the processes running name as uid. Processes that exit
// during the scan are skipped.
func packagePIDs(ctx context.Context, procs processTable, name string, uid int32) ([]int32, error) {
	all, err := procs.PIDs(ctx)
	if err != nil {
		return nil, err
	}
	var pids []int32
	for _, pid := range all {
		n, err := procs.Name(ctx, pid)
		if err != nil || n != name {
			continue
		}
		if u, err := procs.UID(ctx, pid); err != nil || u != uid {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}
