package hv

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// ConfigHash identifies a machine configuration. A machine snapshot can only
// be restored into a machine with the same hash.
type ConfigHash [32]byte

// DeviceConfig captures device configuration for hashing.
type DeviceConfig struct {
	ID      string
	Base    uint64
	Size    uint64
	IRQLine uint32
	// Params holds device-specific values that change guest-visible layout,
	// such as port and slot counts.
	Params []uint64
}

// ComputeConfigHash computes a deterministic hash of machine configuration.
// Device order matters.
func ComputeConfigHash(memBase, memSize uint64, devices []DeviceConfig) ConfigHash {
	h := sha256.New()

	var buf [8]byte
	putUint64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}

	putUint64(memBase)
	putUint64(memSize)
	putUint64(uint64(len(devices)))
	for _, dc := range devices {
		h.Write([]byte(dc.ID))
		h.Write([]byte{0})
		putUint64(dc.Base)
		putUint64(dc.Size)
		putUint64(uint64(dc.IRQLine))
		putUint64(uint64(len(dc.Params)))
		for _, p := range dc.Params {
			putUint64(p)
		}
	}

	var result ConfigHash
	copy(result[:], h.Sum(nil))
	return result
}

func (h ConfigHash) String() string { return hex.EncodeToString(h[:]) }
