package hv

import "testing"

func TestAddressSpaceAllocate(t *testing.T) {
	as := NewAddressSpace(0, 0x100_0000)
	if err := as.RegisterFixed("ecam", 0x100_0000, 0x10_0000); err != nil {
		t.Fatalf("RegisterFixed: %v", err)
	}

	pci, err := as.Allocate(MMIOAllocationRequest{Name: "pci-mmio", Size: 0x10_0000, Alignment: 0x10_0000})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if pci.Base != 0x110_0000 {
		t.Fatalf("got base %#x, want 0x1100000 past the fixed region", pci.Base)
	}

	small, err := as.Allocate(MMIOAllocationRequest{Name: "small", Size: 0x10})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if small.Base != 0x120_0000 || small.Size != 0x1000 {
		t.Fatalf("got %+v, want 4KiB region at 0x1200000", small)
	}
	if got := len(as.Allocations()); got != 2 {
		t.Fatalf("got %d allocations, want 2", got)
	}
	if got := small.Region(); !got.Contains(0x120_0ff0, 0x10) || got.Contains(0x120_0ff0, 0x11) {
		t.Fatalf("region %+v bounds wrong", got)
	}
}

func TestAddressSpaceErrors(t *testing.T) {
	as := NewAddressSpace(0x1000_0000, 0x100_0000)
	if _, err := as.Allocate(MMIOAllocationRequest{Name: "zero"}); err == nil {
		t.Errorf("zero-size allocation succeeded")
	}
	if _, err := as.Allocate(MMIOAllocationRequest{Name: "odd", Size: 0x1000, Alignment: 0x3000}); err == nil {
		t.Errorf("non power of two alignment succeeded")
	}
	if err := as.RegisterFixed("ram", 0x1080_0000, 0x1000); err == nil {
		t.Errorf("fixed region inside RAM accepted")
	}
	if err := as.RegisterFixed("a", 0x2000_0000, 0x2000); err != nil {
		t.Fatalf("RegisterFixed: %v", err)
	}
	if err := as.RegisterFixed("b", 0x2000_1000, 0x1000); err == nil {
		t.Errorf("overlapping fixed regions accepted")
	}
	if got := as.RAMEnd(); got != 0x1100_0000 {
		t.Errorf("got RAM end %#x, want 0x11000000", got)
	}
}

func TestComputeConfigHash(t *testing.T) {
	devices := []DeviceConfig{
		{ID: "xhci", Base: 0x4000_0000, Size: 0x10000, IRQLine: 11, Params: []uint64{4, 32}},
	}
	a := ComputeConfigHash(0, 1<<24, devices)
	if b := ComputeConfigHash(0, 1<<24, devices); a != b {
		t.Fatalf("hash not deterministic")
	}

	changed := []DeviceConfig{devices[0]}
	changed[0].Params = []uint64{8, 32}
	if ComputeConfigHash(0, 1<<24, changed) == a {
		t.Errorf("port count change did not change hash")
	}
	if ComputeConfigHash(0, 1<<25, devices) == a {
		t.Errorf("memory size change did not change hash")
	}
	if len(a.String()) != 64 {
		t.Errorf("got %q, want 64 hex digits", a.String())
	}
}
