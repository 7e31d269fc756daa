package hv

// Snapshot file format constants
const (
	SnapshotMagic uint32 = 0x55534e50 // "USNP"
)

// DeviceSnapshot is an opaque, gob-encodable device state record. Concrete
// types must be registered with gob.Register by the owning package.
type DeviceSnapshot interface{}

// DeviceSnapshotter is implemented by devices whose state survives a
// save/restore cycle.
type DeviceSnapshotter interface {
	DeviceId() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}
