package boltstore

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/crystal-mush/gojails/pkg/jaildb"
	"github.com/google/uuid"
)

// The on-disk records are separate from the jaildb types so the gob layout
// only changes when the format version does.

type locationRecord struct {
	World      string
	X, Y, Z    float64
	Yaw, Pitch float32
}

type cellRecord struct {
	Name     string
	Location locationRecord
}

// Times are Unix seconds plus nanoseconds, durations seconds plus nanoseconds.
type confinementRecord struct {
	Subject       []byte
	SubjectName   string
	CellName      string
	Return        locationRecord
	ReturnUnknown bool
	JailedAtSec   int64
	JailedAtNsec  int64
	HasRelease    bool
	ReleaseAtSec  int64
	ReleaseAtNsec int64
	DurationSec   int64
	DurationNsec  int64
	JailedBy      string
	Frozen        []byte
}

func toLocationRecord(l jaildb.Location) locationRecord {
	return locationRecord{World: l.World, X: l.X, Y: l.Y, Z: l.Z, Yaw: l.Yaw, Pitch: l.Pitch}
}

func (l locationRecord) location() jaildb.Location {
	return jaildb.Location{World: l.World, X: l.X, Y: l.Y, Z: l.Z, Yaw: l.Yaw, Pitch: l.Pitch}
}

// encodeCell serializes a Cell to bytes using gob.
func encodeCell(c jaildb.Cell) ([]byte, error) {
	var buf bytes.Buffer
	rec := cellRecord{Name: c.Name, Location: toLocationRecord(c.Location)}
	if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeCell deserializes bytes back into a Cell.
func decodeCell(data []byte) (jaildb.Cell, error) {
	var rec cellRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return jaildb.Cell{}, err
	}
	return jaildb.Cell{Name: rec.Name, Location: rec.Location.location()}, nil
}

// encodeConfinement serializes a Confinement to bytes using gob.
func encodeConfinement(c jaildb.Confinement) ([]byte, error) {
	rec := confinementRecord{
		Subject:       subjectKey(c.Subject),
		SubjectName:   c.SubjectName,
		CellName:      c.CellName,
		Return:        toLocationRecord(c.Return),
		ReturnUnknown: c.ReturnUnknown,
		JailedBy:      c.JailedBy,
		Frozen:        c.Frozen,
	}
	rec.JailedAtSec, rec.JailedAtNsec = jaildb.SplitTime(c.JailedAt)
	rec.DurationSec, rec.DurationNsec = jaildb.SplitDuration(c.OriginalDuration)
	if c.ReleaseAt != nil {
		rec.HasRelease = true
		rec.ReleaseAtSec, rec.ReleaseAtNsec = jaildb.SplitTime(*c.ReleaseAt)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeConfinement deserializes bytes back into a Confinement and checks it.
func decodeConfinement(data []byte) (jaildb.Confinement, error) {
	var rec confinementRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return jaildb.Confinement{}, err
	}
	id, err := uuid.FromBytes(rec.Subject)
	if err != nil {
		return jaildb.Confinement{}, err
	}
	c := jaildb.Confinement{
		Subject:       id,
		SubjectName:   rec.SubjectName,
		CellName:      rec.CellName,
		Return:        rec.Return.location(),
		ReturnUnknown: rec.ReturnUnknown,
		JailedBy:      rec.JailedBy,
		Frozen:        rec.Frozen,
	}
	if c.JailedAt, err = jaildb.JoinTime(rec.JailedAtSec, rec.JailedAtNsec); err != nil {
		return jaildb.Confinement{}, fmt.Errorf("jailed at: %w", err)
	}
	if c.OriginalDuration, err = jaildb.JoinDuration(rec.DurationSec, rec.DurationNsec); err != nil {
		return jaildb.Confinement{}, fmt.Errorf("duration: %w", err)
	}
	if rec.HasRelease {
		at, err := jaildb.JoinTime(rec.ReleaseAtSec, rec.ReleaseAtNsec)
		if err != nil {
			return jaildb.Confinement{}, fmt.Errorf("release at: %w", err)
		}
		c.ReleaseAt = &at
	}
	if err := c.Validate(); err != nil {
		return jaildb.Confinement{}, err
	}
	return c, nil
}
