package citation

import (
	"fmt"
	"strconv"
	"strings"
)

// Stage tags the phase of a run that produced a citation.
type Stage string

const (
	StagePlanning Stage = "planning"
	StageResearch Stage = "research"
)

func (s Stage) prefix() string {
	if s == StagePlanning {
		return "PLAN"
	}
	return "CIT"
}

// ID identifies one provenance entry. Seq is unique and strictly increasing per ledger.
type ID struct {
	Seq   uint64
	Stage Stage
}

// IsZero reports whether the ID was never issued.
func (id ID) IsZero() bool { return id.Seq == 0 }

// Less orders IDs by issue order.
func (id ID) Less(other ID) bool { return id.Seq < other.Seq }

func (id ID) String() string {
	if id.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s-%04d", id.Stage.prefix(), id.Seq)
}

// MarshalText renders the ID in its display form so traces and snapshots stay readable.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses PLAN-0001 / CIT-0002 forms.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID parses the display form of an ID. The empty string yields the zero ID.
func ParseID(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ID{}, nil
	}
	prefix, num, ok := strings.Cut(s, "-")
	if !ok {
		return ID{}, fmt.Errorf("citation id %q: missing separator", s)
	}
	seq, err := strconv.ParseUint(num, 10, 64)
	if err != nil || seq == 0 {
		return ID{}, fmt.Errorf("citation id %q: invalid sequence", s)
	}
	switch strings.ToUpper(prefix) {
	case "PLAN":
		return ID{Seq: seq, Stage: StagePlanning}, nil
	case "CIT":
		return ID{Seq: seq, Stage: StageResearch}, nil
	default:
		return ID{}, fmt.Errorf("citation id %q: unknown prefix", s)
	}
}
