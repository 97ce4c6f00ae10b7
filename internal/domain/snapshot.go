package domain

import (
	"encoding/json"
	"fmt"
)

// MarshalJSON encodes the kind as its name.
func (k DeviceKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a kind from its name.
func (k *DeviceKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	kind, err := ParseDeviceKind(s)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// SnapshotDevice is the flattened projection of a device.
type SnapshotDevice struct {
	Kind       DeviceKind `json:"kind"`
	Name       string     `json:"name"`
	Properties Properties `json:"properties"`
}

// SnapshotConnection is the flattened projection of a connection.
type SnapshotConnection struct {
	ID         string     `json:"id"`
	From       string     `json:"from"`
	To         string     `json:"to"`
	Properties Properties `json:"properties,omitempty"`
}

// Snapshot is a point-in-time, serializable projection of a topology. It is
// the only input the construction adapter accepts and is never mutated by it.
type Snapshot struct {
	Devices     map[string]SnapshotDevice `json:"devices"`
	Connections []SnapshotConnection      `json:"connections"`
}

// Clone returns a deep enough copy for the orchestrator to own: device and
// connection property bags are copied, so setpoint merges never leak into
// the caller's snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		Devices:     make(map[string]SnapshotDevice, len(s.Devices)),
		Connections: make([]SnapshotConnection, 0, len(s.Connections)),
	}
	for id, d := range s.Devices {
		out.Devices[id] = SnapshotDevice{
			Kind:       d.Kind,
			Name:       d.Name,
			Properties: d.Properties.Clone(),
		}
	}
	for _, c := range s.Connections {
		out.Connections = append(out.Connections, SnapshotConnection{
			ID:         c.ID,
			From:       c.From,
			To:         c.To,
			Properties: c.Properties.Clone(),
		})
	}
	return out
}

// Severity classifies how bad a diagnostic is.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the severity as its name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Diagnostic kinds, matching the error taxonomy: structural snapshot defects,
// construction-time graph defects, conversion-layer failures, solver results,
// and orchestrator-level misuse.
const (
	DiagValidation  = "validation"
	DiagTopology    = "topology"
	DiagAdapter     = "adapter"
	DiagCalculation = "calculation"
	DiagRuntime     = "runtime"
)

// Diagnostic is a single failure or degradation report. The adapter and the
// orchestrator return diagnostics as data instead of raising errors across
// their public boundaries.
type Diagnostic struct {
	Kind     string                 `json:"kind"`
	Severity Severity               `json:"severity"`
	Message  string                 `json:"message"`
	DeviceID string                 `json:"device_id,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Key returns the identity tuple used to deduplicate diagnostics across
// repeated calculation ticks.
func (d Diagnostic) Key() string {
	details := ""
	if len(d.Details) > 0 {
		if b, err := json.Marshal(d.Details); err == nil {
			details = string(b)
		}
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s", d.Kind, d.Severity, d.Message, d.DeviceID, details)
}

// HasErrors reports whether any diagnostic in the list has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Result categories keyed in CalculationResult.Devices and IndexMaps.
const (
	CategoryBuses         = "buses"
	CategoryLines         = "lines"
	CategoryTransformers  = "transformers"
	CategorySwitches      = "switches"
	CategoryGenerators    = "generators"
	CategoryLoads         = "loads"
	CategoryStorages      = "storages"
	CategoryExternalGrids = "ext_grids"
)

// ResultRow is one solved element's values, keyed by solver column name
// (vm_pu, p_mw, loading_percent, ...).
type ResultRow map[string]float64

// CalculationResult is the outcome of one calculation tick.
type CalculationResult struct {
	Converged  bool                            `json:"converged"`
	Errors     []Diagnostic                    `json:"errors"`
	Devices    map[string]map[string]ResultRow `json:"devices"`
	AutoPaused bool                            `json:"auto_paused"`
}

// Clone returns an independent copy of the result.
func (r *CalculationResult) Clone() *CalculationResult {
	if r == nil {
		return nil
	}
	out := &CalculationResult{
		Converged:  r.Converged,
		AutoPaused: r.AutoPaused,
		Errors:     append([]Diagnostic(nil), r.Errors...),
		Devices:    make(map[string]map[string]ResultRow, len(r.Devices)),
	}
	for category, rows := range r.Devices {
		copied := make(map[string]ResultRow, len(rows))
		for idx, row := range rows {
			rowCopy := make(ResultRow, len(row))
			for k, v := range row {
				rowCopy[k] = v
			}
			copied[idx] = rowCopy
		}
		out.Devices[category] = copied
	}
	return out
}
