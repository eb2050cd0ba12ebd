package kevent

import (
	"fmt"
)

type (
	// QoS is a quality-of-service class, as an index into a QoSTable. Zero
	// is unspecified, higher values are more urgent.
	QoS uint8

	// QoSTable configures the service classes, which double as the bucket
	// indexes of the pooled queue and of workloops.
	QoSTable struct {
		// Levels[i] describes QoS(i+1).
		Levels []QoSLevel
		// Default is used for registrations that don't specify a QoS.
		Default QoS
	}

	// QoSLevel describes one service class.
	QoSLevel struct {
		Name string
		// Priority is the scheduling priority of threads running at this
		// class. Must be non-decreasing across the table.
		Priority int
	}
)

// QoS classes of DefaultQoSTable.
const (
	QoSUnspecified QoS = iota
	QoSMaintenance
	QoSBackground
	QoSUtility
	QoSDefault
	QoSUserInitiated
	QoSUserInteractive
)

// DefaultQoSTable returns the standard six class table.
func DefaultQoSTable() QoSTable {
	return QoSTable{
		Levels: []QoSLevel{
			{Name: "maintenance", Priority: 4},
			{Name: "background", Priority: 4},
			{Name: "utility", Priority: 20},
			{Name: "default", Priority: 31},
			{Name: "user-initiated", Priority: 37},
			{Name: "user-interactive", Priority: 47},
		},
		Default: QoSDefault,
	}
}

func (x QoSTable) validate() error {
	if len(x.Levels) == 0 || len(x.Levels) > 64 {
		return fmt.Errorf("kevent: qos table must have 1 to 64 levels, got %d", len(x.Levels))
	}
	if x.Default == QoSUnspecified || int(x.Default) > len(x.Levels) {
		return fmt.Errorf("kevent: qos table default %d out of range", x.Default)
	}
	for i := 1; i < len(x.Levels); i++ {
		if x.Levels[i].Priority < x.Levels[i-1].Priority {
			return fmt.Errorf("kevent: qos table priority of %q decreases", x.Levels[i].Name)
		}
	}
	return nil
}

// Max returns the most urgent class.
func (x QoSTable) Max() QoS { return QoS(len(x.Levels)) }

// Valid reports whether q is a class of this table, or unspecified.
func (x QoSTable) Valid(q QoS) bool { return int(q) <= len(x.Levels) }

// Priority maps q to its scheduling priority, or 0 for unspecified.
func (x QoSTable) Priority(q QoS) int {
	if q == QoSUnspecified || int(q) > len(x.Levels) {
		return 0
	}
	return x.Levels[q-1].Priority
}

// FromPriority maps a scheduling priority back to the highest class not
// exceeding it (unspecified if below all classes).
func (x QoSTable) FromPriority(pri int) QoS {
	q := QoSUnspecified
	for i, v := range x.Levels {
		if v.Priority > pri {
			break
		}
		q = QoS(i + 1)
	}
	return q
}

// Name returns the configured name of q.
func (x QoSTable) Name(q QoS) string {
	if q == QoSUnspecified {
		return "unspecified"
	}
	if int(q) > len(x.Levels) {
		return fmt.Sprintf("QoS(%d)", uint8(q))
	}
	return x.Levels[q-1].Name
}

// resolve applies the default to an unspecified request.
func (x QoSTable) resolve(q QoS) QoS {
	if q == QoSUnspecified {
		return x.Default
	}
	return q
}

func maxQoS(a, b QoS) QoS {
	if a > b {
		return a
	}
	return b
}
