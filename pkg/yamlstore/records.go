package yamlstore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/crystal-mush/gojails/pkg/jaildb"
	"gopkg.in/yaml.v3"
)

type cellYAML struct {
	Name  string  `yaml:"name"`
	World string  `yaml:"world"`
	X     float64 `yaml:"x"`
	Y     float64 `yaml:"y"`
	Z     float64 `yaml:"z"`
	Yaw   float32 `yaml:"yaw"`
	Pitch float32 `yaml:"pitch"`
}

// confinementYAML keeps times as epoch seconds plus a nanosecond part, so
// any instant a time.Time can hold survives. An indefinite sentence has no
// releaseAtEpoch and carries indefinite: true.
type confinementYAML struct {
	SubjectID   string `yaml:"subjectId"`
	SubjectName string `yaml:"subjectName,omitempty"`
	CellName    string `yaml:"cellName"`

	ReturnWorld   string  `yaml:"returnWorld"`
	ReturnX       float64 `yaml:"returnX"`
	ReturnY       float64 `yaml:"returnY"`
	ReturnZ       float64 `yaml:"returnZ"`
	ReturnYaw     float32 `yaml:"returnYaw"`
	ReturnPitch   float32 `yaml:"returnPitch"`
	ReturnUnknown bool    `yaml:"returnUnknown,omitempty"`

	JailedAtEpoch  int64  `yaml:"jailedAtEpoch"`
	JailedAtNanos  int64  `yaml:"jailedAtNanos,omitempty"`
	ReleaseAtEpoch *int64 `yaml:"releaseAtEpoch,omitempty"`
	ReleaseAtNanos int64  `yaml:"releaseAtNanos,omitempty"`
	Indefinite     bool   `yaml:"indefinite,omitempty"`

	OriginalDurationSeconds int64 `yaml:"originalDurationSeconds"`
	OriginalDurationNanos   int64 `yaml:"originalDurationNanos,omitempty"`

	JailedBy    string `yaml:"jailedBy,omitempty"`
	FrozenState string `yaml:"frozenState,omitempty"`
}

func encodeCell(c jaildb.Cell) cellYAML {
	l := c.Location
	return cellYAML{Name: c.Name, World: l.World, X: l.X, Y: l.Y, Z: l.Z, Yaw: l.Yaw, Pitch: l.Pitch}
}

func decodeCell(n *yaml.Node) (jaildb.Cell, error) {
	var cy cellYAML
	if err := n.Decode(&cy); err != nil {
		return jaildb.Cell{}, err
	}
	if jaildb.CellKey(cy.Name) == "" {
		return jaildb.Cell{}, errors.New("missing name")
	}
	return jaildb.Cell{
		Name:     strings.TrimSpace(cy.Name),
		Location: jaildb.Location{World: cy.World, X: cy.X, Y: cy.Y, Z: cy.Z, Yaw: cy.Yaw, Pitch: cy.Pitch},
	}, nil
}

func encodeConfinement(c jaildb.Confinement) confinementYAML {
	r := c.Return
	cy := confinementYAML{
		SubjectID:     c.Subject.String(),
		SubjectName:   c.SubjectName,
		CellName:      c.CellName,
		ReturnWorld:   r.World,
		ReturnX:       r.X,
		ReturnY:       r.Y,
		ReturnZ:       r.Z,
		ReturnYaw:     r.Yaw,
		ReturnPitch:   r.Pitch,
		ReturnUnknown: c.ReturnUnknown,
		JailedBy:      c.JailedBy,
	}
	cy.JailedAtEpoch, cy.JailedAtNanos = jaildb.SplitTime(c.JailedAt)
	cy.OriginalDurationSeconds, cy.OriginalDurationNanos = jaildb.SplitDuration(c.OriginalDuration)
	if c.ReleaseAt != nil {
		sec, nsec := jaildb.SplitTime(*c.ReleaseAt)
		cy.ReleaseAtEpoch, cy.ReleaseAtNanos = &sec, nsec
	} else {
		cy.Indefinite = true
	}
	if len(c.Frozen) > 0 {
		cy.FrozenState = base64.StdEncoding.EncodeToString(c.Frozen)
	}
	return cy
}

func decodeConfinement(n *yaml.Node) (jaildb.Confinement, error) {
	var cy confinementYAML
	if err := n.Decode(&cy); err != nil {
		return jaildb.Confinement{}, err
	}
	id, err := jaildb.ParseSubject(cy.SubjectID)
	if err != nil {
		return jaildb.Confinement{}, err
	}
	c := jaildb.Confinement{
		Subject:     id,
		SubjectName: cy.SubjectName,
		CellName:    jaildb.CellKey(cy.CellName),
		Return: jaildb.Location{
			World: cy.ReturnWorld, X: cy.ReturnX, Y: cy.ReturnY, Z: cy.ReturnZ,
			Yaw: cy.ReturnYaw, Pitch: cy.ReturnPitch,
		},
		ReturnUnknown: cy.ReturnUnknown,
		JailedBy:      cy.JailedBy,
	}
	if c.JailedAt, err = jaildb.JoinTime(cy.JailedAtEpoch, cy.JailedAtNanos); err != nil {
		return jaildb.Confinement{}, fmt.Errorf("jailedAt: %w", err)
	}
	switch {
	case cy.Indefinite && cy.ReleaseAtEpoch != nil:
		return jaildb.Confinement{}, errors.New("both indefinite and releaseAtEpoch set")
	case cy.ReleaseAtEpoch != nil:
		at, err := jaildb.JoinTime(*cy.ReleaseAtEpoch, cy.ReleaseAtNanos)
		if err != nil {
			return jaildb.Confinement{}, fmt.Errorf("releaseAt: %w", err)
		}
		c.ReleaseAt = &at
	case !cy.Indefinite:
		return jaildb.Confinement{}, errors.New("neither releaseAtEpoch nor indefinite set")
	}
	if c.OriginalDuration, err = jaildb.JoinDuration(cy.OriginalDurationSeconds, cy.OriginalDurationNanos); err != nil {
		return jaildb.Confinement{}, fmt.Errorf("originalDuration: %w", err)
	}
	if cy.FrozenState != "" {
		if c.Frozen, err = base64.StdEncoding.DecodeString(cy.FrozenState); err != nil {
			return jaildb.Confinement{}, fmt.Errorf("frozenState: %w", err)
		}
	}
	if err := c.Validate(); err != nil {
		return jaildb.Confinement{}, err
	}
	return c, nil
}

// entryKey extracts a best-effort key from an undecodable entry so the
// corrupt report names something an operator can find in the file.
func entryKey(n *yaml.Node, field string, index int) string {
	if n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == field && n.Content[i+1].Kind == yaml.ScalarNode {
				return n.Content[i+1].Value
			}
		}
	}
	return fmt.Sprintf("#%d", index)
}
