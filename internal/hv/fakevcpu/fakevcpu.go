// Package fakevcpu provides a scriptable internal/hv.Vcpu test double,
// in the same configurable-fake-struct style as the teacher's
// fakeSessionRunner (internal/initx/session_test.go): a queue of
// canned ExitReason values is drained one per Run call, and every
// register/state interaction is recorded for assertions.
package fakevcpu

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vmcore/internal/hv"
)

// Vcpu is a scriptable hv.Vcpu. Zero value is not usable; construct
// with New.
type Vcpu struct {
	mu sync.Mutex

	id int

	exits   []hv.ExitReason
	runErrs []error
	cursor  int

	bound     bool
	setupErr  error
	bindErr   error
	unbindErr error

	registers map[hv.Register]hv.RegisterValue
	perCPU    hv.ArchPerCpuState

	entryGPA   uint64
	stage2Root uint64
	setupCfg   hv.VcpuSetupConfig

	runCount int
}

// New returns a fake Vcpu with the given stable id. Use the With*
// methods to script its behaviour before handing it to the core.
func New(id int) *Vcpu {
	return &Vcpu{
		id:        id,
		registers: make(map[hv.Register]hv.RegisterValue),
	}
}

// WithExits queues exit reasons to be returned in order, one per Run
// call. When exhausted, Run returns ExitReason{Kind: hv.ExitExternal}.
func (v *Vcpu) WithExits(exits ...hv.ExitReason) *Vcpu {
	v.exits = append(v.exits, exits...)
	return v
}

// WithRunError schedules Run to fail with err on its nth call
// (0-indexed), instead of returning a queued exit reason.
func (v *Vcpu) WithRunError(n int, err error) *Vcpu {
	for len(v.runErrs) <= n {
		v.runErrs = append(v.runErrs, nil)
	}
	v.runErrs[n] = err
	return v
}

// WithSetupError makes Setup fail with err.
func (v *Vcpu) WithSetupError(err error) *Vcpu { v.setupErr = err; return v }

// WithBindError makes Bind fail with err.
func (v *Vcpu) WithBindError(err error) *Vcpu { v.bindErr = err; return v }

// WithPerCpuState sets the value PerCpuState returns.
func (v *Vcpu) WithPerCpuState(s hv.ArchPerCpuState) *Vcpu { v.perCPU = s; return v }

// ID returns the vCPU's stable id.
func (v *Vcpu) ID() int { return v.id }

// Setup records the entry point, stage-2 root, and setup config
// supplied by Create, failing if WithSetupError configured an error.
func (v *Vcpu) Setup(entryGPA uint64, stage2Root uint64, archSetup hv.VcpuSetupConfig) error {
	if v.setupErr != nil {
		return v.setupErr
	}
	v.entryGPA = entryGPA
	v.stage2Root = stage2Root
	v.setupCfg = archSetup
	return nil
}

// Bind marks the vCPU as bound to the calling (simulated) physical CPU.
func (v *Vcpu) Bind() error {
	if v.bindErr != nil {
		return v.bindErr
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.bound {
		return fmt.Errorf("fakevcpu: vcpu %d already bound", v.id)
	}
	v.bound = true
	return nil
}

// Unbind releases the vCPU's bound state.
func (v *Vcpu) Unbind() error {
	if v.unbindErr != nil {
		return v.unbindErr
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bound = false
	return nil
}

// Run returns the next queued exit reason, or ExitExternal once the
// queue is drained, simulating a guest that has nothing further
// scripted and yields back to the caller.
func (v *Vcpu) Run() (hv.ExitReason, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	idx := v.runCount
	v.runCount++

	if idx < len(v.runErrs) && v.runErrs[idx] != nil {
		return hv.ExitReason{}, v.runErrs[idx]
	}
	if v.cursor >= len(v.exits) {
		return hv.ExitReason{Kind: hv.ExitExternal, ExternalCause: "exits_exhausted"}, nil
	}
	reason := v.exits[v.cursor]
	v.cursor++
	return reason, nil
}

// SetRegisters records the values written back by the dispatcher.
func (v *Vcpu) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for reg, val := range regs {
		v.registers[reg] = val
	}
	return nil
}

// GetRegisters copies the requested registers' recorded values into regs.
func (v *Vcpu) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for reg := range regs {
		if val, ok := v.registers[reg]; ok {
			regs[reg] = val
		}
	}
	return nil
}

// PerCpuState returns whatever WithPerCpuState configured, or nil.
func (v *Vcpu) PerCpuState() hv.ArchPerCpuState { return v.perCPU }

// RegisterValue returns the last value recorded for reg, for test
// assertions against dispatcher write-backs.
func (v *Vcpu) RegisterValue(reg hv.Register) (hv.RegisterValue, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	val, ok := v.registers[reg]
	return val, ok
}

// IsBound reports whether the vCPU is currently bound.
func (v *Vcpu) IsBound() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bound
}

var _ hv.Vcpu = (*Vcpu)(nil)
