package ledger

import (
	"crypto/sha256"
	"encoding/binary"
)

// AddressDeriver 确定性地址派生（可替换为具体账本的寻址方案）
type AddressDeriver interface {
	// DeviceAddress derives the registration address of a device identity.
	DeviceAddress(identity []byte) Address
	// WindowAddress derives the commitment address of one window.
	WindowAddress(identity []byte, windowStart int64) Address
}

const (
	deviceSeed    = "device"
	aggregateSeed = "aggregate"
	derivationTag = "ProgramDerivedAddress"
)

// SeedDeriver hashes tagged seeds together with a program ID:
//
//	device    = SHA-256("device" || identity || programID || tag)
//	aggregate = SHA-256("aggregate" || device || le64(windowStart) || programID || tag)
type SeedDeriver struct {
	ProgramID []byte
}

// NewSeedDeriver returns a deriver bound to programID.
func NewSeedDeriver(programID []byte) *SeedDeriver {
	p := make([]byte, len(programID))
	copy(p, programID)
	return &SeedDeriver{ProgramID: p}
}

func (d *SeedDeriver) DeviceAddress(identity []byte) Address {
	return d.derive([]byte(deviceSeed), identity)
}

func (d *SeedDeriver) WindowAddress(identity []byte, windowStart int64) Address {
	device := d.DeviceAddress(identity)
	return d.derive([]byte(aggregateSeed), device[:], EncodeWindowStart(windowStart))
}

func (d *SeedDeriver) derive(seeds ...[]byte) Address {
	h := sha256.New()
	for _, s := range seeds {
		h.Write(s)
	}
	h.Write(d.ProgramID)
	h.Write([]byte(derivationTag))
	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

// EncodeWindowStart encodes epoch seconds as 8 little-endian bytes.
func EncodeWindowStart(windowStart int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(windowStart))
	return b
}
