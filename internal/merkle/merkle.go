// Package merkle builds the per-window commitment over raw readings.
//
// The tree format is fixed by roots that are already anchored and must not
// change:
//   - odd layers are padded by repeating the last leaf hash up to a power of two,
//     so a duplicated last reading produces the same root as the original set;
//   - internal nodes hash the hex text of their children with no prefix that
//     tells leaves and internal nodes apart.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"pravardha-anchor/internal/domain"
)

// Delimiter 叶子序列化字段分隔符，不允许出现在任何字段中
const Delimiter = "|"

// Commitment 窗口承诺
type Commitment struct {
	Root      []byte
	LeafCount int
}

// Empty reports whether the commitment was built from zero readings.
// An empty commitment must never be anchored.
func (c Commitment) Empty() bool {
	return c.LeafCount == 0 || len(c.Root) == 0
}

// Hex returns the root as lower-case hex, "" for an empty commitment.
func (c Commitment) Hex() string {
	return hex.EncodeToString(c.Root)
}

// Build validates, sorts and hashes the readings of one window.
// The input slice is not modified.
func Build(readings []domain.Reading) (Commitment, error) {
	if len(readings) == 0 {
		return Commitment{}, nil
	}

	sorted := make([]domain.Reading, len(readings))
	copy(sorted, readings)
	SortReadings(sorted)

	leaves := make([][]byte, 0, len(sorted))
	for i := range sorted {
		leaf, err := LeafHash(sorted[i])
		if err != nil {
			return Commitment{}, err
		}
		leaves = append(leaves, leaf)
	}

	return Commitment{Root: Root(leaves), LeafCount: len(leaves)}, nil
}

// SortReadings orders readings by server timestamp, then ID.
func SortReadings(readings []domain.Reading) {
	sort.SliceStable(readings, func(i, j int) bool {
		ti, tj := readings[i].Timestamp, readings[j].Timestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return readings[i].ID < readings[j].ID
	})
}

// Validate rejects readings that cannot be serialized unambiguously.
func Validate(r domain.Reading) error {
	if r.ID == "" {
		return &domain.PreconditionError{Reason: "reading has empty id"}
	}
	if strings.Contains(r.ID, Delimiter) {
		return &domain.PreconditionError{Reason: fmt.Sprintf("reading id %q contains delimiter %q", r.ID, Delimiter)}
	}
	if r.Timestamp.IsZero() {
		return &domain.PreconditionError{Reason: fmt.Sprintf("reading %s has no timestamp", r.ID)}
	}
	for name, v := range map[string]*float64{
		"temperature": r.Temperature,
		"humidity":    r.Humidity,
		"pressure":    r.Pressure,
		"gas_adc":     r.GasADC,
	} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return &domain.PreconditionError{Reason: fmt.Sprintf("reading %s has non-finite %s", r.ID, name)}
		}
	}
	return nil
}

// Serialize returns the canonical leaf text:
// id|timestamp|temperature|humidity|pressure|gas_adc
func Serialize(r domain.Reading) string {
	fields := []string{
		r.ID,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		formatValue(r.Temperature),
		formatValue(r.Humidity),
		formatValue(r.Pressure),
		formatValue(r.GasADC),
	}
	return strings.Join(fields, Delimiter)
}

func formatValue(v *float64) string {
	if v == nil {
		return "null"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// LeafHash is SHA-256 over the canonical serialization of a validated reading.
func LeafHash(r domain.Reading) ([]byte, error) {
	if err := Validate(r); err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(Serialize(r)))
	return sum[:], nil
}

// Root folds leaf hashes into the root. Zero leaves yield nil; a single leaf
// is returned as is, without being combined with itself.
func Root(leaves [][]byte) []byte {
	switch len(leaves) {
	case 0:
		return nil
	case 1:
		out := make([]byte, len(leaves[0]))
		copy(out, leaves[0])
		return out
	}

	layer := make([][]byte, len(leaves), nextPowerOfTwo(len(leaves)))
	copy(layer, leaves)
	for len(layer)&(len(layer)-1) != 0 {
		layer = append(layer, layer[len(layer)-1])
	}

	for len(layer) > 1 {
		next := make([][]byte, 0, len(layer)/2)
		for i := 0; i < len(layer); i += 2 {
			next = append(next, combine(layer[i], layer[i+1]))
		}
		layer = next
	}
	return layer[0]
}

func combine(left, right []byte) []byte {
	sum := sha256.Sum256([]byte(hex.EncodeToString(left) + hex.EncodeToString(right)))
	return sum[:]
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
