package hv

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmcore/internal/timeslice"
)

var (
	tsVcpuRun    = timeslice.RegisterKind("vcpu.run", 0)
	tsDispatchOk = timeslice.RegisterKind("vcpu.dispatch", 0)
)

// RunVcpu looks up the vCPU handle, binds it to the current physical
// CPU, and loops calling Run/dispatch until an exit reason goes
// unhandled (including any External), then unbinds and returns that
// reason.
func (vm *VM) RunVcpu(vcpuID int) (ExitReason, error) {
	vcpu := vm.Vcpu(vcpuID)
	if vcpu == nil {
		return ExitReason{}, fmt.Errorf("run_vcpu %d: %w", vcpuID, ErrInvalidInput)
	}

	if err := vcpu.Bind(); err != nil {
		return ExitReason{}, fmt.Errorf("run_vcpu %d: bind: %w", vcpuID, ErrHostError)
	}
	defer vcpu.Unbind()

	rec := timeslice.NewRecorder()
	var last ExitReason
	for {
		if vm.shuttingDown.Load() {
			last = ExitReason{Kind: ExitExternal, ExternalCause: "shutting_down"}
			break
		}

		reason, err := vcpu.Run()
		rec.Record(tsVcpuRun)
		if err != nil {
			return ExitReason{}, fmt.Errorf("run_vcpu %d: %w", vcpuID, err)
		}
		last = reason

		handled, err := vm.dispatch(vcpu, reason)
		rec.Record(tsDispatchOk)
		if err != nil {
			slog.Error("dispatch failed", "vm_id", vm.id, "vcpu_id", vcpuID, "exit_kind", reason.Kind, "err", err)
			return ExitReason{}, err
		}
		if !handled {
			break
		}
	}
	return last, nil
}

// dispatch applies the dispatch-rule table to one exit reason. It
// returns handled=false for External or any reason the core does not
// recognise, in which case the caller's RunVcpu loop exits.
func (vm *VM) dispatch(vcpu Vcpu, reason ExitReason) (handled bool, err error) {
	switch reason.Kind {
	case ExitMmioRead:
		val, err := vm.bus.ReadMMIO(reason.GPA, reason.Width)
		if err != nil {
			return false, fmt.Errorf("mmio read 0x%x: %w", reason.GPA, ErrHostError)
		}
		if err := writeBackRegister(vcpu, reason.DestReg, val); err != nil {
			return false, err
		}
		return true, nil

	case ExitMmioWrite:
		if err := vm.bus.WriteMMIO(reason.GPA, reason.Width, reason.Value); err != nil {
			return false, fmt.Errorf("mmio write 0x%x: %w", reason.GPA, ErrHostError)
		}
		return true, nil

	case ExitIoRead:
		val, err := vm.bus.ReadPort(reason.Port, reason.Width)
		if err != nil {
			return false, fmt.Errorf("io read port 0x%x: %w", reason.Port, ErrHostError)
		}
		if err := writeBackRegister(vcpu, generalRegisterZero, val); err != nil {
			return false, err
		}
		return true, nil

	case ExitIoWrite:
		if err := vm.bus.WritePort(reason.Port, reason.Width, reason.Value); err != nil {
			return false, fmt.Errorf("io write port 0x%x: %w", reason.Port, ErrHostError)
		}
		return true, nil

	case ExitSysRegRead:
		val, err := vm.bus.ReadSysReg(reason.SysRegAddr, WidthQword)
		if err != nil {
			return false, fmt.Errorf("sysreg read 0x%x: %w", reason.SysRegAddr, ErrHostError)
		}
		if err := writeBackRegister(vcpu, reason.DestReg, val); err != nil {
			return false, err
		}
		return true, nil

	case ExitSysRegWrite:
		if err := vm.bus.WriteSysReg(reason.SysRegAddr, WidthQword, reason.Value); err != nil {
			return false, fmt.Errorf("sysreg write 0x%x: %w", reason.SysRegAddr, ErrHostError)
		}
		return true, nil

	case ExitNestedPageFault:
		if err := vm.addressSpace.ResolveFault(reason.GPA, reason.AccessFlags); err != nil {
			return false, err
		}
		return true, nil

	default:
		// External or any other reason: unhandled.
		return false, nil
	}
}

// generalRegisterZero is the architecture-neutral stand-in for "the
// vCPU's first general-purpose register", the IoRead write-back
// target per the dispatch-rule table. Its concrete numbering is
// supplied by the Vcpu collaborator via RegisterValue; this package
// never interprets Register beyond passing it back to SetRegisters.
const generalRegisterZero Register = 1

func writeBackRegister(vcpu Vcpu, reg Register, value uint64) error {
	if reg == RegisterInvalid {
		return nil
	}
	if err := vcpu.SetRegisters(map[Register]RegisterValue{reg: Register64(value)}); err != nil {
		return fmt.Errorf("vcpu %d: write-back register %d: %w", vcpu.ID(), reg, ErrHostError)
	}
	return nil
}
