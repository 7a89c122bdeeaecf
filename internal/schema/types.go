package schema

import (
	"fmt"
	"strings"
)

// Kind is the closed set of replicated field encodings.
type Kind uint8

const (
	KindInt Kind = iota
	KindUInt
	KindBool
	KindFloat     // raw IEEE-754 bits, 32 bits when changed
	KindQuantized // float stored as round(v*Quantization)
	KindBuffer    // variable-length list in the dynamic region
)

var kindNames = map[Kind]string{
	KindInt:       "int",
	KindUInt:      "uint",
	KindBool:      "bool",
	KindFloat:     "float",
	KindQuantized: "quantized",
	KindBuffer:    "buffer",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Scalar reports whether the kind occupies a single 32-bit slot.
func (k Kind) Scalar() bool { return k != KindBuffer }

// Numeric reports whether linear prediction applies to the kind.
func (k Kind) Numeric() bool { return k == KindInt || k == KindQuantized }

// SendMode selects which connections receive a field.
type SendMode uint8

const (
	SendAll SendMode = iota
	SendOwnerOnly
	SendPredictedOnly
	SendInterpolatedOnly
	SendNever
)

var sendNames = map[SendMode]string{
	SendAll:              "all",
	SendOwnerOnly:        "owner_only",
	SendPredictedOnly:    "predicted_only",
	SendInterpolatedOnly: "interpolated_only",
	SendNever:            "never",
}

func (m SendMode) String() string {
	if n, ok := sendNames[m]; ok {
		return n
	}
	return fmt.Sprintf("send(%d)", uint8(m))
}

// Allows reports whether a field with this mode goes to a connection that
// owns the ghost (owner) and predicts it (predicted).
func (m SendMode) Allows(owner, predicted bool) bool {
	switch m {
	case SendAll:
		return true
	case SendOwnerOnly:
		return owner
	case SendPredictedOnly:
		return predicted
	case SendInterpolatedOnly:
		return !predicted
	default:
		return false
	}
}

// Smoothing controls how interpolated ghosts blend a field between snapshots.
type Smoothing uint8

const (
	SmoothClamp Smoothing = iota
	SmoothInterpolate
)

func (s Smoothing) String() string {
	if s == SmoothInterpolate {
		return "interpolate"
	}
	return "clamp"
}

// GhostMode decides which clients predict a ghost.
type GhostMode uint8

const (
	ModeInterpolated GhostMode = iota
	ModePredicted
	ModeOwnerPredicted
)

func (m GhostMode) String() string {
	switch m {
	case ModePredicted:
		return "predicted"
	case ModeOwnerPredicted:
		return "owner_predicted"
	default:
		return "interpolated"
	}
}

// PredictedBy reports whether a connection predicts the ghost.
func (m GhostMode) PredictedBy(owner bool) bool {
	switch m {
	case ModePredicted:
		return true
	case ModeOwnerPredicted:
		return owner
	default:
		return false
	}
}

func ParseKind(s string) (Kind, error) {
	for k, n := range kindNames {
		if n == strings.ToLower(strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown field kind %q", s)
}

func ParseSendMode(s string) (SendMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return SendAll, nil
	}
	for m, n := range sendNames {
		if n == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown send mode %q", s)
}

func ParseSmoothing(s string) (Smoothing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "clamp":
		return SmoothClamp, nil
	case "interpolate":
		return SmoothInterpolate, nil
	}
	return 0, fmt.Errorf("unknown smoothing %q", s)
}

func ParseGhostMode(s string) (GhostMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "interpolated":
		return ModeInterpolated, nil
	case "predicted":
		return ModePredicted, nil
	case "owner_predicted":
		return ModeOwnerPredicted, nil
	}
	return 0, fmt.Errorf("unknown ghost mode %q", s)
}

// ElementField is one scalar member of a buffer element.
type ElementField struct {
	Name         string
	Kind         Kind
	Quantization float32
}

// Field describes one replicated member of a component.
type Field struct {
	Name         string
	Kind         Kind
	Quantization float32
	Smoothing    Smoothing
	Send         SendMode
	MaxLength    int            // buffers only
	Element      []ElementField // buffers only
}

// Component groups fields living on the root entity (Child 0) or on one of
// the ghost's child entities.
type Component struct {
	Name       string
	Child      int
	Enableable bool
	Send       SendMode
	Fields     []Field
}

// GhostType is the authored description of one replicated prefab.
type GhostType struct {
	Name       string
	Mode       GhostMode
	Components []Component
}
