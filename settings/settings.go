/*Package settings provides the typed, checksummed machine parameter store.

This stands in for grbl's EEPROM-backed settings ($0-$132): steps/mm, max
rate, acceleration, max travel, junction deviation, and arc tolerance per
axis, plus the work coordinate systems, G28/G30 predefined positions, and
startup blocks. EEPROM itself is out of core per spec; here the blob lives
on disk as YAML and is checksummed with the same XMODEM CRC-16 the teacher
pack uses for its own framed instrument protocols (see nkt/telegram.go).

Reads and writes never block each other: a Store holds an atomic pointer to
an immutable Data snapshot, swapped wholesale on Load/Reload, mirroring how
the realtime-exec bitfield elsewhere in this module favors atomics over
locks rather than introducing a mutex a stepper tick would contend on.

A minimal example:

	store, err := settings.Open("machine.yaml")
	if err != nil {
		store = settings.New(settings.Default())
	}
	data := store.Data()
	steps := axis.ToSteps(axis.Vector{10, 10, 0}, data.StepsPerMM)
*/
package settings

import (
	"encoding/binary"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/snksoft/crc"
	"gopkg.in/yaml.v2"

	"github.com/nasa-jpl/cncmotion/axis"
)

// NCoordinateSystems is the number of work coordinate systems (G54..G59).
const NCoordinateSystems = 6

// crcTable matches nkt/telegram.go's XMODEM table; any framed-protocol
// checksum in this pack uses the same one, so the settings blob does too.
var crcTable = crc.NewTable(crc.XMODEM)

// Axis holds the per-axis tunables of spec.md section 3.
type Axis struct {
	StepsPerMM   float64 `yaml:"steps_per_mm"`
	MaxRate      float64 `yaml:"max_rate_mm_min"`
	Acceleration float64 `yaml:"acceleration_mm_sec2"`
	MaxTravel    float64 `yaml:"max_travel_mm"`
}

// Data is the complete, immutable set of persisted machine parameters at a
// point in time. Callers obtain one via Store.Data() and must not mutate
// its vector fields in place; construct a new Data and call Store.Replace
// instead.
type Data struct {
	Axes [axis.Max]Axis `yaml:"axes"`

	// StepsPerMM/MaxRate/Acceleration/MaxTravel are convenience vectors
	// derived from Axes; recomputed by Finalize, not serialized.
	StepsPerMM   axis.Vector `yaml:"-"`
	MaxRate      axis.Vector `yaml:"-"`
	Acceleration axis.Vector `yaml:"-"`
	MaxTravel    axis.Vector `yaml:"-"`

	JunctionDeviation float64 `yaml:"junction_deviation_mm"`
	ArcTolerance      float64 `yaml:"arc_tolerance_mm"`

	// RestoreOverrides mirrors grbl's RESTORE_OVERRIDES_AFTER_PROGRAM_END
	// compile flag; here it is a settings toggle rather than a
	// preprocessor define, see DESIGN.md.
	RestoreOverrides bool `yaml:"restore_overrides_after_program_end"`

	CoordSystems [NCoordinateSystems]axis.Vector `yaml:"coord_systems"`
	G28Position  axis.Vector                     `yaml:"g28_position"`
	G30Position  axis.Vector                     `yaml:"g30_position"`

	// StartupBlocks holds up to two g-code lines run at boot, grbl's
	// $N0/$N1.
	StartupBlocks [2]string `yaml:"startup_blocks"`

	BuildInfo string `yaml:"build_info"`
}

// Finalize recomputes the cached per-axis vectors from Axes. Called after
// unmarshaling or constructing a Data by hand.
func (d *Data) Finalize() {
	for i := 0; i < axis.Max; i++ {
		d.StepsPerMM[i] = d.Axes[i].StepsPerMM
		d.MaxRate[i] = d.Axes[i].MaxRate
		d.Acceleration[i] = d.Axes[i].Acceleration
		d.MaxTravel[i] = d.Axes[i].MaxTravel
	}
}

// Default returns the factory defaults, matching grbl's config.h values
// where this port retains them (see SPEC_FULL.md section 11).
func Default() *Data {
	d := &Data{
		JunctionDeviation: 0.01,
		ArcTolerance:      0.002,
		RestoreOverrides:  false,
		BuildInfo:         "cncmotion",
	}
	for i := range d.Axes {
		d.Axes[i] = Axis{
			StepsPerMM:   250,
			MaxRate:      500,
			Acceleration: 10,
			MaxTravel:    200,
		}
	}
	d.Finalize()
	return d
}

// Store is the concurrency-safe holder of the current settings Data.
type Store struct {
	ptr atomic.Pointer[Data]
}

// New wraps an already-constructed Data in a Store.
func New(d *Data) *Store {
	s := &Store{}
	s.ptr.Store(d)
	return s
}

// Data returns the current settings snapshot. The returned pointer must be
// treated as read-only.
func (s *Store) Data() *Data {
	return s.ptr.Load()
}

// Replace atomically swaps in a new settings snapshot, e.g. after a
// successful Reload or a G10 coordinate write.
func (s *Store) Replace(d *Data) {
	s.ptr.Store(d)
}

// checksum computes the XMODEM CRC-16 over the YAML-encoded blob, the same
// helper shape as nkt/telegram.go's crcHelper.
func checksum(buf []byte) []byte {
	crcUint := crcTable.InitCrc()
	crcUint = crcTable.UpdateCrc(crcUint, buf)
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, crcTable.CRC16(crcUint))
	return out
}

func hexDigit(nibble byte) byte {
	if nibble < 10 {
		return '0' + nibble
	}
	return 'a' + (nibble - 10)
}

// Save writes d to path as YAML, followed by a checksum footer line, the
// persisted-state format spec.md section 6 calls "byte-checksummed through
// the settings store".
func Save(path string, d *Data) error {
	body, err := yaml.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "settings: marshal")
	}
	sum := checksum(body)
	out := append(body, []byte("\n# checksum: ")...)
	out = append(out, hexDigit(sum[0]>>4), hexDigit(sum[0]&0xF), hexDigit(sum[1]>>4), hexDigit(sum[1]&0xF))
	out = append(out, '\n')

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "settings: create file")
	}
	defer f.Close()
	if _, err := f.Write(out); err != nil {
		return errors.Wrap(err, "settings: write file")
	}
	return nil
}

// ErrSettingReadFail mirrors grbl's STATUS_SETTING_READ_FAIL, surfaced by
// the settings store when a read or checksum check fails.
var ErrSettingReadFail = errors.New("settings: read failed")

// footerChecksum extracts and validates the trailing "# checksum: xxxx"
// line, if one is present. A missing footer is tolerated (hand-edited
// file); a present but mismatched one fails.
func footerChecksum(body []byte) ([]byte, error) {
	const marker = "\n# checksum: "
	idx := -1
	for i := len(body) - 1; i >= 0; i-- {
		if i+len(marker) <= len(body) && string(body[i:i+len(marker)]) == marker {
			idx = i
			break
		}
	}
	if idx < 0 {
		return body, nil // no footer present, tolerate it
	}
	yamlPart := body[:idx] // exactly the YAML bytes Save checksummed
	hexPart := body[idx+len(marker):]
	hexPart = trimTrailingNewline(hexPart)
	if len(hexPart) != 4 {
		return nil, errors.Wrap(ErrSettingReadFail, "malformed checksum footer")
	}
	want := checksum(yamlPart)
	got := [2]byte{}
	for i := 0; i < 2; i++ {
		hi, err := hexVal(hexPart[i*2])
		if err != nil {
			return nil, errors.Wrap(ErrSettingReadFail, "malformed checksum footer")
		}
		lo, err := hexVal(hexPart[i*2+1])
		if err != nil {
			return nil, errors.Wrap(ErrSettingReadFail, "malformed checksum footer")
		}
		got[i] = hi<<4 | lo
	}
	if got[0] != want[0] || got[1] != want[1] {
		return nil, errors.Wrap(ErrSettingReadFail, "checksum mismatch")
	}
	return yamlPart, nil
}

func trimTrailingNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func hexVal(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, errors.New("settings: invalid hex digit")
	}
}

// Load reads a settings blob from path, validates its checksum footer if
// present, and returns a populated Data.
func Load(path string) (*Data, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "settings: read file")
	}
	yamlPart, err := footerChecksum(body)
	if err != nil {
		return nil, err
	}

	d := &Data{}
	if err := yaml.Unmarshal(yamlPart, d); err != nil {
		return nil, errors.Wrap(err, "settings: unmarshal")
	}
	d.Finalize()
	return d, nil
}

// Open loads a Store from path, the common boot-time entry point.
func Open(path string) (*Store, error) {
	d, err := Load(path)
	if err != nil {
		return nil, err
	}
	return New(d), nil
}

// CoordSystem returns the work coordinate offset for the given zero-based
// system index (0 == G54).
func (d *Data) CoordSystem(idx int) (axis.Vector, error) {
	if idx < 0 || idx >= NCoordinateSystems {
		return axis.Vector{}, errors.Wrap(ErrSettingReadFail, "coordinate system index out of range")
	}
	return d.CoordSystems[idx], nil
}

// WithCoordSystem returns a copy of d with the given zero-based coordinate
// system replaced. The gcode package's G10 handler synchronizes the
// planner before calling Store.Replace with the result, per spec.md
// section 6.
func (d *Data) WithCoordSystem(idx int, v axis.Vector) (*Data, error) {
	if idx < 0 || idx >= NCoordinateSystems {
		return nil, errors.Wrap(ErrSettingReadFail, "coordinate system index out of range")
	}
	cp := *d
	cp.CoordSystems[idx] = v
	return &cp, nil
}

// WithG28Position returns a copy of d with the G28 predefined position
// replaced, written by the gcode package's G28.1 handler.
func (d *Data) WithG28Position(v axis.Vector) (*Data, error) {
	cp := *d
	cp.G28Position = v
	return &cp, nil
}

// WithG30Position returns a copy of d with the G30 predefined position
// replaced, written by the gcode package's G30.1 handler.
func (d *Data) WithG30Position(v axis.Vector) (*Data, error) {
	cp := *d
	cp.G30Position = v
	return &cp, nil
}
