package usb

import (
	"errors"
	"testing"
)

func TestParseLoopbackDescriptors(t *testing.T) {
	l := NewLoopback(SpeedHigh)

	dd, err := ParseDeviceDescriptor(l.deviceDescriptor().Bytes())
	if err != nil {
		t.Fatalf("ParseDeviceDescriptor: %v", err)
	}
	if dd != l.deviceDescriptor() {
		t.Fatalf("got %+v, want %+v", dd, l.deviceDescriptor())
	}

	cfg, err := ParseConfiguration(l.configuration().Bytes())
	if err != nil {
		t.Fatalf("ParseConfiguration: %v", err)
	}
	if cfg.Value != 1 || len(cfg.Interfaces) != 1 {
		t.Fatalf("got %+v", cfg)
	}
	eps := cfg.Interfaces[0].Endpoints
	if len(eps) != 3 {
		t.Fatalf("got %d endpoints, want 3", len(eps))
	}
	tests := []struct {
		num  uint8
		in   bool
		kind uint8
		mps  uint16
	}{
		{LoopbackInterruptIn, true, TransferInterrupt, 8},
		{LoopbackBulkOut, false, TransferBulk, 512},
		{LoopbackBulkIn, true, TransferBulk, 512},
	}
	for i, tt := range tests {
		ep := eps[i]
		if ep.Number() != tt.num || ep.In() != tt.in || ep.TransferType() != tt.kind || ep.MaxPacketSize != tt.mps {
			t.Errorf("endpoint %d: got %+v", i, ep)
		}
	}
}

func TestParseConfigurationErrors(t *testing.T) {
	full := NewLoopback(SpeedFull).configuration().Bytes()

	tests := []struct {
		name string
		b    []byte
	}{
		{"truncated header", full[:5]},
		{"truncated body", full[:ConfigurationDescriptorSize+4]},
		{"wrong type", append([]byte{9, DescriptorDevice}, full[2:]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseConfiguration(tt.b); err == nil {
				t.Fatalf("ParseConfiguration succeeded")
			}
		})
	}

	bad := append([]byte(nil), full...)
	bad[ConfigurationDescriptorSize] = 1
	if _, err := ParseConfiguration(bad); err == nil {
		t.Fatalf("zero-length child descriptor accepted")
	}

	if _, err := ParseDeviceDescriptor(make([]byte, 8)); !errors.Is(err, ErrShortDescriptor) {
		t.Fatalf("got %v, want ErrShortDescriptor", err)
	}
}

func TestParseHubPortCount(t *testing.T) {
	h, err := NewHub(7)
	if err != nil {
		t.Fatal(err)
	}
	n, err := ParseHubPortCount(h.descriptor())
	if err != nil || n != 7 {
		t.Fatalf("got %d, %v, want 7", n, err)
	}
}
