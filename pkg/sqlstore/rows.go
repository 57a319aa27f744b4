package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/crystal-mush/gojails/pkg/jaildb"
)

// scanAny scans a row into untyped values so a bad column surfaces as a
// conversion error for that row instead of aborting the whole scan.
func scanAny(rows *sql.Rows, vals []any) error {
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	return rows.Scan(ptrs...)
}

func asText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func asFloat(v any, col string) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", col, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%s: unexpected value %v (%T)", col, v, v)
	}
}

func asInt(v any, col string) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", col, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s: unexpected value %v (%T)", col, v, v)
	}
}

func asBlob(v any) []byte {
	switch x := v.(type) {
	case []byte:
		return append([]byte(nil), x...)
	case string:
		return []byte(x)
	default:
		return nil
	}
}

func locationFromRow(vals []any) (jaildb.Location, error) {
	var (
		l   jaildb.Location
		err error
		f   [5]float64
	)
	l.World = asText(vals[0])
	for i, col := range []string{"x", "y", "z", "yaw", "pitch"} {
		if f[i], err = asFloat(vals[i+1], col); err != nil {
			return l, err
		}
	}
	l.X, l.Y, l.Z = f[0], f[1], f[2]
	l.Yaw, l.Pitch = float32(f[3]), float32(f[4])
	return l, nil
}

// cellFromRow converts name, display_name, world, x, y, z, yaw, pitch.
func cellFromRow(vals []any) (jaildb.Cell, error) {
	if asText(vals[0]) == "" {
		return jaildb.Cell{}, errors.New("empty name")
	}
	loc, err := locationFromRow(vals[2:8])
	if err != nil {
		return jaildb.Cell{}, err
	}
	name := asText(vals[1])
	if name == "" {
		name = asText(vals[0])
	}
	return jaildb.Cell{Name: name, Location: loc}, nil
}

// confinementFromRow converts a row in the column order of loadConfinements.
func confinementFromRow(vals []any) (jaildb.Confinement, error) {
	id, err := jaildb.ParseSubject(asText(vals[0]))
	if err != nil {
		return jaildb.Confinement{}, err
	}
	ret, err := locationFromRow(vals[3:9])
	if err != nil {
		return jaildb.Confinement{}, fmt.Errorf("return location: %w", err)
	}
	var ints [6]int64
	for i, col := range []string{"return_unknown", "jailed_at_epoch", "jailed_at_nanos"} {
		if ints[i], err = asInt(vals[9+i], col); err != nil {
			return jaildb.Confinement{}, err
		}
	}
	for i, col := range []string{"release_at_nanos", "original_duration_seconds", "original_duration_nanos"} {
		if ints[3+i], err = asInt(vals[13+i], col); err != nil {
			return jaildb.Confinement{}, err
		}
	}
	c := jaildb.Confinement{
		Subject:       id,
		SubjectName:   asText(vals[1]),
		CellName:      asText(vals[2]),
		Return:        ret,
		ReturnUnknown: ints[0] != 0,
		JailedBy:      asText(vals[16]),
		Frozen:        asBlob(vals[17]),
	}
	if c.JailedAt, err = jaildb.JoinTime(ints[1], ints[2]); err != nil {
		return jaildb.Confinement{}, fmt.Errorf("jailed_at: %w", err)
	}
	if vals[12] != nil {
		sec, err := asInt(vals[12], "release_at_epoch")
		if err != nil {
			return jaildb.Confinement{}, err
		}
		at, err := jaildb.JoinTime(sec, ints[3])
		if err != nil {
			return jaildb.Confinement{}, fmt.Errorf("release_at: %w", err)
		}
		c.ReleaseAt = &at
	}
	if c.OriginalDuration, err = jaildb.JoinDuration(ints[4], ints[5]); err != nil {
		return jaildb.Confinement{}, fmt.Errorf("original_duration: %w", err)
	}
	if err := c.Validate(); err != nil {
		return jaildb.Confinement{}, err
	}
	return c, nil
}
