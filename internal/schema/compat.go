package schema

import (
	"fmt"
	"sort"

	"github.com/Aman-CERP/searchstore/internal/model"
)

// Delta lists the types of an old schema that a new schema deletes or
// changes incompatibly.
type Delta struct {
	Deleted      []string
	Incompatible []string
}

// Empty reports whether the change is fully backward compatible.
func (d Delta) Empty() bool {
	return len(d.Deleted) == 0 && len(d.Incompatible) == 0
}

// ComputeDelta compares every type of old against next.
func ComputeDelta(old, next *model.Schema) Delta {
	var d Delta
	if old == nil {
		return d
	}
	for _, ot := range old.Types {
		nt, ok := next.Type(ot.Name)
		if !ok {
			d.Deleted = append(d.Deleted, ot.Name)
			continue
		}
		if err := CheckCompatible(ot, nt); err != nil {
			d.Incompatible = append(d.Incompatible, ot.Name)
		}
	}
	sort.Strings(d.Deleted)
	sort.Strings(d.Incompatible)
	return d
}

// CheckCompatible returns nil when every document valid under old is still
// valid under next, or an error describing the first breaking change.
func CheckCompatible(old, next model.SchemaType) error {
	for _, op := range old.Properties {
		np, ok := next.Property(op.Name)
		if !ok {
			return fmt.Errorf("property %q was removed", op.Name)
		}
		if np.DataType != op.DataType {
			return fmt.Errorf("property %q changed data type from %s to %s", op.Name, op.DataType, np.DataType)
		}
		if op.DataType == model.DataTypeDocument && np.SchemaType != op.SchemaType {
			return fmt.Errorf("property %q changed document type from %s to %s", op.Name, op.SchemaType, np.SchemaType)
		}
		if !CardinalityCompatible(op.Cardinality, np.Cardinality) {
			return fmt.Errorf("property %q changed cardinality from %s to %s", op.Name, op.Cardinality, np.Cardinality)
		}
	}
	for _, np := range next.Properties {
		if _, ok := old.Property(np.Name); !ok && np.Cardinality == model.CardinalityRequired {
			return fmt.Errorf("required property %q was added", np.Name)
		}
	}
	return nil
}

// CardinalityCompatible reports whether values valid under from remain
// valid under to. The lattice is REQUIRED ⊂ OPTIONAL ⊂ REPEATED.
func CardinalityCompatible(from, to model.Cardinality) bool {
	return restrictiveness(to) <= restrictiveness(from)
}

func restrictiveness(c model.Cardinality) int {
	switch c {
	case model.CardinalityRequired:
		return 2
	case model.CardinalityOptional:
		return 1
	default:
		return 0
	}
}
