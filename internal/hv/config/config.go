// Package config defines the runtime configuration record a VM is
// created from, and its derivation from an external YAML document.
// Parsing a vendor-specific wire format (e.g. TOML) is explicitly an
// external collaborator's job; this package only owns the record
// shape and the affinity-tuple derivation the VM core depends on.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RegionFlags are the raw bits a configured MemoryRegion carries,
// before MemorySetup strips the invalid Device bit.
type RegionFlags uint32

const (
	FlagRead RegionFlags = 1 << iota
	FlagWrite
	FlagExec
	FlagUser
	FlagDevice
)

func (f RegionFlags) Has(bit RegionFlags) bool { return f&bit != 0 }

// RegionKind selects how a configured MemoryRegion's pages are
// backed.
type RegionKind int

const (
	KindIdentity RegionKind = iota
	KindAllocated
)

// MemoryRegion is one configured RAM region. Regions appear in
// configuration order; the Device flag is invalid on RAM (it belongs
// to PassthroughRange) — MemorySetup warns and strips it rather than
// rejecting the region outright.
type MemoryRegion struct {
	GuestPhysBase uint64
	Size          uint64
	Flags         RegionFlags
	Kind          RegionKind
}

// PassthroughRange is a configured passthrough device window, before
// canonicalisation.
type PassthroughRange struct {
	GuestPhysBase uint64
	HostPhysBase  uint64
	Length        uint64
	Name          string
}

// InterruptMode selects the DeviceWiring path taken at VM creation.
type InterruptMode int

const (
	InterruptVirtualised InterruptMode = iota
	InterruptPassthrough
)

// VMType influences scheduler priority; opaque beyond that to the
// core.
type VMType string

// EmuDeviceConfig is opaque to the core: device models are an
// external collaborator, and construct themselves from whatever shape
// this carries.
type EmuDeviceConfig struct {
	Kind   string         `yaml:"kind"`
	Params map[string]any `yaml:"params"`
}

// ImageLoad carries the guest-physical load addresses for the images
// a caller loads before boot. Consumed entirely by the caller; the
// core never reads these fields itself.
type ImageLoad struct {
	Kernel  uint64
	BIOS    *uint64
	DTB     *uint64
	Ramdisk *uint64
}

// Config is the immutable runtime configuration record a VM is
// created from, derived once at VM creation time.
type Config struct {
	ID      uint64
	Name    string
	VMType  VMType

	VcpuCount uint64

	PhysCpuIDs  []uint64 // len == VcpuCount if present
	PhysCpuSets []uint64 // len == VcpuCount if present

	BspEntry uint64
	ApEntry  uint64

	ImageLoad ImageLoad

	MemoryRegions []MemoryRegion

	EmuDevices []EmuDeviceConfig

	PassthroughDevices []PassthroughRange
	PassthroughSPIs    []uint32

	InterruptMode InterruptMode
}

// AffinityTuple is one vCPU's derived (id, affinity mask, physical
// id). PhysCpuSet is nil when no affinity mask was configured for
// this vCPU.
type AffinityTuple struct {
	VcpuID     uint64
	PhysCpuSet *uint64
	PhysicalID uint64
}

// AffinityTuples derives, for every vcpu_id in [0, VcpuCount), the
// tuple (vcpu_id, phys_cpu_sets[vcpu_id]?, phys_cpu_ids[vcpu_id] ??
// vcpu_id). The physical id feeds architecture-specific vCPU identity
// (MPIDR, hart id, ...), never scheduling; scheduling uses the
// affinity mask alone.
func (c Config) AffinityTuples() []AffinityTuple {
	tuples := make([]AffinityTuple, c.VcpuCount)
	for i := range tuples {
		tuples[i] = AffinityTuple{
			VcpuID:     uint64(i),
			PhysicalID: uint64(i),
		}
	}
	if len(c.PhysCpuSets) == uint64Len(c.VcpuCount) {
		for i := range tuples {
			v := c.PhysCpuSets[i]
			tuples[i].PhysCpuSet = &v
		}
	}
	if len(c.PhysCpuIDs) == uint64Len(c.VcpuCount) {
		for i := range tuples {
			tuples[i].PhysicalID = c.PhysCpuIDs[i]
		}
	}
	return tuples
}

func uint64Len(n uint64) int { return int(n) }

// document is the on-disk YAML shape this package decodes; it exists
// separately from Config because YAML field names and optionality
// differ from the in-memory record's idiomatic Go shape.
type document struct {
	ID     uint64 `yaml:"id"`
	Name   string `yaml:"name"`
	VMType string `yaml:"vm_type"`

	VcpuCount   uint64   `yaml:"vcpu_count"`
	PhysCpuIDs  []uint64 `yaml:"phys_cpu_ids,omitempty"`
	PhysCpuSets []uint64 `yaml:"phys_cpu_sets,omitempty"`

	BspEntry uint64 `yaml:"bsp_entry"`
	ApEntry  uint64 `yaml:"ap_entry"`

	ImageLoad struct {
		Kernel  uint64  `yaml:"kernel"`
		BIOS    *uint64 `yaml:"bios,omitempty"`
		DTB     *uint64 `yaml:"dtb,omitempty"`
		Ramdisk *uint64 `yaml:"ramdisk,omitempty"`
	} `yaml:"image_load"`

	MemoryRegions []struct {
		GuestPhysBase uint64   `yaml:"guest_phys_base"`
		Size          uint64   `yaml:"size"`
		Flags         []string `yaml:"flags"`
		Kind          string   `yaml:"kind"`
	} `yaml:"memory_regions"`

	EmuDevices []EmuDeviceConfig `yaml:"emu_devices"`

	PassthroughDevices []struct {
		GuestPhysBase uint64 `yaml:"guest_phys_base"`
		HostPhysBase  uint64 `yaml:"host_phys_base"`
		Length        uint64 `yaml:"length"`
		Name          string `yaml:"name"`
	} `yaml:"passthrough_devices"`

	PassthroughSPIs []uint32 `yaml:"passthrough_spis"`
	InterruptMode   string   `yaml:"interrupt_mode"`
}

// Load reads and decodes a YAML configuration document from path and
// converts it into an immutable Config record.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration document into an immutable
// Config record.
func Parse(data []byte) (Config, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return fromDocument(doc)
}

func fromDocument(doc document) (Config, error) {
	if doc.VcpuCount == 0 {
		return Config{}, fmt.Errorf("config: vcpu_count must be > 0")
	}

	regions := make([]MemoryRegion, len(doc.MemoryRegions))
	for i, r := range doc.MemoryRegions {
		var flags RegionFlags
		for _, f := range r.Flags {
			switch f {
			case "R":
				flags |= FlagRead
			case "W":
				flags |= FlagWrite
			case "X":
				flags |= FlagExec
			case "User":
				flags |= FlagUser
			case "Device":
				flags |= FlagDevice
			default:
				return Config{}, fmt.Errorf("config: memory_regions[%d]: unknown flag %q", i, f)
			}
		}
		kind := KindIdentity
		if r.Kind == "Allocated" {
			kind = KindAllocated
		} else if r.Kind != "Identity" {
			return Config{}, fmt.Errorf("config: memory_regions[%d]: unknown kind %q", i, r.Kind)
		}
		regions[i] = MemoryRegion{
			GuestPhysBase: r.GuestPhysBase,
			Size:          r.Size,
			Flags:         flags,
			Kind:          kind,
		}
	}

	passthrough := make([]PassthroughRange, len(doc.PassthroughDevices))
	for i, p := range doc.PassthroughDevices {
		passthrough[i] = PassthroughRange{
			GuestPhysBase: p.GuestPhysBase,
			HostPhysBase:  p.HostPhysBase,
			Length:        p.Length,
			Name:          p.Name,
		}
	}

	mode := InterruptVirtualised
	if doc.InterruptMode == "Passthrough" {
		mode = InterruptPassthrough
	}

	return Config{
		ID:                 doc.ID,
		Name:               doc.Name,
		VMType:             VMType(doc.VMType),
		VcpuCount:          doc.VcpuCount,
		PhysCpuIDs:         doc.PhysCpuIDs,
		PhysCpuSets:        doc.PhysCpuSets,
		BspEntry:           doc.BspEntry,
		ApEntry:            doc.ApEntry,
		ImageLoad: ImageLoad{
			Kernel:  doc.ImageLoad.Kernel,
			BIOS:    doc.ImageLoad.BIOS,
			DTB:     doc.ImageLoad.DTB,
			Ramdisk: doc.ImageLoad.Ramdisk,
		},
		MemoryRegions:      regions,
		EmuDevices:         doc.EmuDevices,
		PassthroughDevices: passthrough,
		PassthroughSPIs:    doc.PassthroughSPIs,
		InterruptMode:      mode,
	}, nil
}
