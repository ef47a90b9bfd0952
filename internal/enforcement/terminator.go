package enforcement

import (
	"context"
	"errors"
	"fmt"
)

// ProcessTerminator kills processes with SIGKILL. Targets without a pid are
// resolved to every running process of their package.
type ProcessTerminator struct {
	procs processTable
	kill  func(pid int32) error
}

// NewProcessTerminator creates a terminator over the host process table.
func NewProcessTerminator() *ProcessTerminator {
	return &ProcessTerminator{procs: hostProcesses{}, kill: killProcess}
}

// Terminate kills the target pid, or every process of the target package
// and uid when it carries no pid. Kill errors of individual processes are
// joined.
func (p *ProcessTerminator) Terminate(ctx context.Context, t Target) error {
	if t.PID > 0 {
		return p.kill(t.PID)
	}
	if t.Package == nil || t.Package.Name == "" {
		return errors.New("target has neither pid nor package")
	}
	pids, err := packagePIDs(ctx, p.procs, t.Package.Name, t.Package.UID)
	if err != nil {
		return fmt.Errorf("find processes of %s: %w", t.Package.Name, err)
	}
	if len(pids) == 0 {
		return fmt.Errorf("no running process of %s", t.Package.Name)
	}
	var errs []error
	for _, pid := range pids {
		if err := p.kill(pid); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}
