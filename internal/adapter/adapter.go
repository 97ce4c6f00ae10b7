// Package adapter rebuilds a solver-ready network from a flattened topology
// snapshot. Conversion is stateless and deterministic: identical snapshots
// yield identical index maps.
package adapter

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/gridfold/go-gridsim/internal/domain"
	"github.com/rs/zerolog"
)

// Construction defaults applied when a device is missing the property.
const (
	DefaultBusVnKV      = 0.4
	DefaultExtGridVnKV  = 20.0
	DefaultLineLengthKM = 1.0
	DefaultLineStdType  = "NAYY 4x50 SE"
	DefaultTrafoSnMVA   = 0.63
	DefaultTrafoHvKV    = 20.0
	DefaultTrafoLvKV    = 0.4
	DefaultTrafoStdType = "0.25 MVA 20/0.4 kV"
)

// knownTrafoTypes is the set of standard transformer types the solver ships
// with. A synthesized type outside this set falls back to
// DefaultTrafoStdType.
var knownTrafoTypes = map[string]struct{}{
	"0.25 MVA 20/0.4 kV": {},
	"0.4 MVA 20/0.4 kV":  {},
	"0.63 MVA 20/0.4 kV": {},
	"0.25 MVA 10/0.4 kV": {},
	"0.4 MVA 10/0.4 kV":  {},
	"0.63 MVA 10/0.4 kV": {},
	"25 MVA 110/20 kV":   {},
	"40 MVA 110/20 kV":   {},
	"63 MVA 110/20 kV":   {},
}

// busVoltageKeys is the property fallback chain for a bus voltage level.
var busVoltageKeys = []string{"voltage_level", "vn_kv", "voltage_kv", "rated_voltage"}

// IndexMaps translate device ids to element indices inside a Network. They
// are rebuilt once per structural change and read on every tick.
type IndexMaps struct {
	BusMap    map[string]int
	DeviceMap map[string]map[string]int
}

// NewIndexMaps creates empty index maps with all categories present.
func NewIndexMaps() IndexMaps {
	return IndexMaps{
		BusMap: make(map[string]int),
		DeviceMap: map[string]map[string]int{
			domain.CategoryLines:         {},
			domain.CategoryTransformers:  {},
			domain.CategorySwitches:      {},
			domain.CategoryGenerators:    {},
			domain.CategoryLoads:         {},
			domain.CategoryStorages:      {},
			domain.CategoryExternalGrids: {},
		},
	}
}

// Result carries everything a conversion produced. Success is false exactly
// when Errors holds at least one severity-error diagnostic; diagnostics are
// always returned as data, never panicked across this boundary.
type Result struct {
	Success  bool
	Network  *Network
	Maps     IndexMaps
	Errors   []domain.Diagnostic
	Warnings []domain.Diagnostic
}

// Adapter converts flattened topology snapshots into Networks.
type Adapter struct {
	logger zerolog.Logger
}

// New creates a network construction adapter.
func New(logger zerolog.Logger) *Adapter {
	return &Adapter{
		logger: logger.With().Str("component", "adapter").Logger(),
	}
}

// build accumulates state for one conversion run.
type build struct {
	snap     *domain.Snapshot
	net      *Network
	maps     IndexMaps
	errors   []domain.Diagnostic
	warnings []domain.Diagnostic
}

func (b *build) errorf(kind, deviceID, format string, args ...interface{}) {
	b.errors = append(b.errors, domain.Diagnostic{
		Kind:     kind,
		Severity: domain.SeverityError,
		Message:  fmt.Sprintf(format, args...),
		DeviceID: deviceID,
	})
}

func (b *build) warnf(deviceID, format string, args ...interface{}) {
	b.warnings = append(b.warnings, domain.Diagnostic{
		Kind:     domain.DiagAdapter,
		Severity: domain.SeverityWarning,
		Message:  fmt.Sprintf(format, args...),
		DeviceID: deviceID,
	})
}

// Convert runs the four construction passes over the snapshot and returns
// the network with its index maps. A panic inside construction is reported
// as an adapter error diagnostic, not propagated.
func (a *Adapter) Convert(snap *domain.Snapshot) (res Result) {
	b := &build{
		snap: snap,
		net:  NewNetwork(),
		maps: NewIndexMaps(),
	}

	defer func() {
		if r := recover(); r != nil {
			b.errors = append(b.errors, domain.Diagnostic{
				Kind:     domain.DiagAdapter,
				Severity: domain.SeverityError,
				Message:  fmt.Sprintf("conversion failed: %v", r),
			})
			res = Result{Success: false, Errors: b.errors, Warnings: b.warnings}
		}
	}()

	for _, d := range a.Validate(snap) {
		if d.Severity == domain.SeverityError {
			b.errors = append(b.errors, d)
		} else {
			b.warnings = append(b.warnings, d)
		}
	}
	if domain.HasErrors(b.errors) {
		return Result{Success: false, Errors: b.errors, Warnings: b.warnings}
	}

	ids := sortedDeviceIDs(snap)

	a.buildBuses(b, ids)
	a.buildTwoPorts(b, ids)
	a.buildSwitchesAndPowerDevices(b, ids)

	if !hasKind(snap, domain.KindExternalGrid) {
		b.warnings = append(b.warnings, domain.Diagnostic{
			Kind:     domain.DiagTopology,
			Severity: domain.SeverityWarning,
			Message:  "no external grid found, network may be unsolvable",
		})
	}

	success := !domain.HasErrors(b.errors)
	res = Result{
		Success:  success,
		Errors:   b.errors,
		Warnings: b.warnings,
	}
	if success {
		res.Network = b.net
		res.Maps = b.maps
	}

	a.logger.Debug().
		Bool("success", success).
		Int("buses", len(b.net.Buses)).
		Int("errors", len(b.errors)).
		Int("warnings", len(b.warnings)).
		Msg("Snapshot converted")
	return res
}

// Validate checks the snapshot's structural integrity without building a
// network.
func (a *Adapter) Validate(snap *domain.Snapshot) []domain.Diagnostic {
	var diags []domain.Diagnostic

	if snap == nil || snap.Devices == nil {
		diags = append(diags, domain.Diagnostic{
			Kind:     domain.DiagValidation,
			Severity: domain.SeverityError,
			Message:  "topology snapshot has no devices",
		})
		return diags
	}
	if snap.Connections == nil {
		diags = append(diags, domain.Diagnostic{
			Kind:     domain.DiagValidation,
			Severity: domain.SeverityWarning,
			Message:  "topology snapshot has no connections",
		})
	}

	busCount := 0
	for _, id := range sortedDeviceIDs(snap) {
		dev := snap.Devices[id]
		if id == "" {
			diags = append(diags, domain.Diagnostic{
				Kind:     domain.DiagValidation,
				Severity: domain.SeverityError,
				Message:  "device has no id",
			})
			continue
		}
		if !dev.Kind.Valid() {
			diags = append(diags, domain.Diagnostic{
				Kind:     domain.DiagValidation,
				Severity: domain.SeverityError,
				Message:  fmt.Sprintf("device %s has an unknown kind", id),
				DeviceID: id,
			})
		}
		if dev.Kind == domain.KindBus {
			busCount++
		}
	}
	if busCount == 0 {
		diags = append(diags, domain.Diagnostic{
			Kind:     domain.DiagValidation,
			Severity: domain.SeverityError,
			Message:  "topology has no bus devices",
		})
	}

	for _, conn := range snap.Connections {
		if conn.From == "" || conn.To == "" {
			diags = append(diags, domain.Diagnostic{
				Kind:     domain.DiagValidation,
				Severity: domain.SeverityError,
				Message:  fmt.Sprintf("connection %s is missing an endpoint", conn.ID),
			})
			continue
		}
		if _, ok := snap.Devices[conn.From]; !ok {
			diags = append(diags, domain.Diagnostic{
				Kind:     domain.DiagValidation,
				Severity: domain.SeverityError,
				Message:  fmt.Sprintf("connection %s references unknown device %s", conn.ID, conn.From),
			})
		}
		if _, ok := snap.Devices[conn.To]; !ok {
			diags = append(diags, domain.Diagnostic{
				Kind:     domain.DiagValidation,
				Severity: domain.SeverityError,
				Message:  fmt.Sprintf("connection %s references unknown device %s", conn.ID, conn.To),
			})
		}
	}

	return diags
}

// buildBuses is the first construction pass: every Bus device becomes a
// network bus with a resolved voltage level.
func (a *Adapter) buildBuses(b *build, ids []string) {
	for _, id := range ids {
		dev := b.snap.Devices[id]
		if dev.Kind != domain.KindBus {
			continue
		}

		vn, ok := dev.Properties.FirstFloat(busVoltageKeys...)
		if !ok {
			vn = DefaultBusVnKV
			// A freshly placed bus with no properties at all is defaulted
			// silently; only a configured device earns a warning.
			if len(dev.Properties) > 0 {
				b.warnf(id, "bus %s has no voltage level, using default %v kV", id, vn)
			}
		}
		if vn <= 0 {
			b.errorf(domain.DiagAdapter, id, "bus %s has an invalid voltage level: %v", id, vn)
			continue
		}

		idx := b.net.AddBus(Bus{Name: deviceName(dev, id), VnKV: vn})
		b.maps.BusMap[id] = idx
	}
}

// buildTwoPorts is the second pass: lines and transformers, which must exist
// before switches can reference them.
func (a *Adapter) buildTwoPorts(b *build, ids []string) {
	for _, id := range ids {
		dev := b.snap.Devices[id]
		if dev.Kind != domain.KindLine && dev.Kind != domain.KindTransformer {
			continue
		}

		buses := busNeighbors(b.snap, b.maps.BusMap, id)
		if len(buses) != 2 {
			b.errorf(domain.DiagTopology, id,
				"%s %s must connect exactly two buses, found %d",
				kindNoun(dev.Kind), id, len(buses))
			continue
		}

		switch dev.Kind {
		case domain.KindLine:
			a.buildLine(b, id, dev, buses[0], buses[1])
		case domain.KindTransformer:
			a.buildTransformer(b, id, dev, buses[0], buses[1])
		}
	}
}

func (a *Adapter) buildLine(b *build, id string, dev domain.SnapshotDevice, fromBus, toBus int) {
	length, ok := dev.Properties.Float("length")
	if !ok {
		length = DefaultLineLengthKM
		b.warnf(id, "line %s has no length, using default %v km", id, length)
	}
	stdType := dev.Properties.String("cable_type", DefaultLineStdType)

	idx := b.net.AddLine(Line{
		Name:     deviceName(dev, id),
		FromBus:  fromBus,
		ToBus:    toBus,
		LengthKM: length,
		StdType:  stdType,
	})
	b.maps.DeviceMap[domain.CategoryLines][id] = idx
}

func (a *Adapter) buildTransformer(b *build, id string, dev domain.SnapshotDevice, hvBus, lvBus int) {
	ratedKW, ok := dev.Properties.Float("rated_power")
	if !ok {
		ratedKW = DefaultTrafoSnMVA * 1000
		b.warnf(id, "transformer %s has no rated power, using default %v MVA", id, DefaultTrafoSnMVA)
	}
	snMVA := ratedKW / 1000.0

	hvKV, ok := dev.Properties.Float("high_voltage")
	if !ok {
		hvKV = DefaultTrafoHvKV
	}
	lvKV, ok := dev.Properties.Float("low_voltage")
	if !ok {
		lvKV = DefaultTrafoLvKV
	}

	stdType := fmt.Sprintf("%s MVA %s/%s kV",
		formatKV(snMVA), formatKV(hvKV), formatKV(lvKV))
	if _, known := knownTrafoTypes[stdType]; !known {
		b.warnf(id, "transformer %s type %q not recognized, using default %q", id, stdType, DefaultTrafoStdType)
		stdType = DefaultTrafoStdType
	}

	idx := b.net.AddTransformer(Transformer{
		Name:    deviceName(dev, id),
		HVBus:   hvBus,
		LVBus:   lvBus,
		StdType: stdType,
		SnMVA:   snMVA,
		VnHvKV:  hvKV,
		VnLvKV:  lvKV,
	})
	b.maps.DeviceMap[domain.CategoryTransformers][id] = idx
}

// buildSwitchesAndPowerDevices is the combined final pass. Switches resolve
// against buses and the already-built two-port elements; power devices
// resolve to a bus, or get a private one synthesized.
func (a *Adapter) buildSwitchesAndPowerDevices(b *build, ids []string) {
	for _, id := range ids {
		dev := b.snap.Devices[id]
		switch {
		case dev.Kind == domain.KindSwitch:
			a.buildSwitch(b, id, dev)
		case dev.Kind.IsPowerDevice():
			a.buildPowerDevice(b, id, dev)
		}
	}
}

func (a *Adapter) buildSwitch(b *build, id string, dev domain.SnapshotDevice) {
	neighbors := peerIDs(b.snap, id)
	if len(neighbors) != 2 {
		b.errorf(domain.DiagTopology, id,
			"switch %s must have exactly two neighbors, found %d", id, len(neighbors))
		return
	}

	type endpoint struct {
		et  string
		idx int
	}
	resolve := func(peer string) (endpoint, bool) {
		if idx, ok := b.maps.BusMap[peer]; ok {
			return endpoint{et: "b", idx: idx}, true
		}
		if idx, ok := b.maps.DeviceMap[domain.CategoryLines][peer]; ok {
			return endpoint{et: "l", idx: idx}, true
		}
		if idx, ok := b.maps.DeviceMap[domain.CategoryTransformers][peer]; ok {
			return endpoint{et: "t", idx: idx}, true
		}
		return endpoint{}, false
	}

	first, ok1 := resolve(neighbors[0])
	second, ok2 := resolve(neighbors[1])
	if !ok1 || !ok2 {
		b.errorf(domain.DiagTopology, id,
			"switch %s has an unresolvable endpoint", id)
		return
	}

	var busIdx int
	var element endpoint
	switch {
	case first.et == "b":
		busIdx, element = first.idx, second
	case second.et == "b":
		busIdx, element = second.idx, first
	default:
		b.errorf(domain.DiagTopology, id,
			"switch %s is not attached to any bus", id)
		return
	}

	closed := true
	if v, ok := dev.Properties["is_closed"]; ok {
		closed = truthy(v)
	}

	idx := b.net.AddSwitch(Switch{
		Name:    deviceName(dev, id),
		Bus:     busIdx,
		Element: element.idx,
		Et:      element.et,
		Closed:  closed,
	})
	b.maps.DeviceMap[domain.CategorySwitches][id] = idx
}

func (a *Adapter) buildPowerDevice(b *build, id string, dev domain.SnapshotDevice) {
	busIdx, found := connectedBus(b.snap, b.maps.BusMap, id)
	if !found {
		vn, ok := dev.Properties.FirstFloat(busVoltageKeys...)
		if !ok {
			if dev.Kind == domain.KindExternalGrid {
				vn = DefaultExtGridVnKV
			} else {
				vn = DefaultBusVnKV
			}
		}
		b.warnf(id, "device %s is not connected to a bus, creating a private bus", id)
		busIdx = b.net.AddBus(Bus{Name: id + "_bus", VnKV: vn})
		b.maps.BusMap[id] = busIdx
	}

	name := deviceName(dev, id)
	pMW := ratedPowerMW(dev.Properties)
	inService := inService(dev.Properties)

	switch dev.Kind {
	case domain.KindGenerator:
		idx := b.net.AddGenerator(Generator{
			Name: name, Bus: busIdx, PMW: pMW, VmPU: 1.0, InService: inService,
		})
		b.maps.DeviceMap[domain.CategoryGenerators][id] = idx
	case domain.KindLoad, domain.KindCharger:
		idx := b.net.AddLoad(Load{
			Name: name, Bus: busIdx, PMW: pMW, QMVar: 0.0, InService: inService,
		})
		b.maps.DeviceMap[domain.CategoryLoads][id] = idx
	case domain.KindStorage:
		capKWh, _ := dev.Properties.Float("capacity")
		st := Storage{
			Name:      name,
			Bus:       busIdx,
			PMW:       pMW,
			MaxEMWh:   capKWh / 1000.0,
			InService: inService,
		}
		if ratedKW, ok := dev.Properties.Float("rated_power"); ok && ratedKW > 0 {
			st.MaxPMW = ratedKW / 1000.0
			st.MinPMW = -ratedKW / 1000.0
		}
		idx := b.net.AddStorage(st)
		b.maps.DeviceMap[domain.CategoryStorages][id] = idx
	case domain.KindExternalGrid:
		idx := b.net.AddExtGrid(ExtGrid{Name: name, Bus: busIdx, VmPU: 1.0})
		b.maps.DeviceMap[domain.CategoryExternalGrids][id] = idx
	}
}

// --- helpers ---

func sortedDeviceIDs(snap *domain.Snapshot) []string {
	ids := make([]string, 0, len(snap.Devices))
	for id := range snap.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func deviceName(dev domain.SnapshotDevice, id string) string {
	if dev.Name != "" {
		return dev.Name
	}
	return id
}

func kindNoun(k domain.DeviceKind) string {
	if k == domain.KindTransformer {
		return "transformer"
	}
	return "line"
}

// busNeighbors returns the bus indices adjacent to a device, in snapshot
// connection order with duplicates removed.
func busNeighbors(snap *domain.Snapshot, busMap map[string]int, deviceID string) []int {
	var out []int
	seen := make(map[string]struct{})
	for _, conn := range snap.Connections {
		var peer string
		switch deviceID {
		case conn.From:
			peer = conn.To
		case conn.To:
			peer = conn.From
		default:
			continue
		}
		if _, dup := seen[peer]; dup {
			continue
		}
		if idx, ok := busMap[peer]; ok {
			seen[peer] = struct{}{}
			out = append(out, idx)
		}
	}
	return out
}

// peerIDs returns the distinct device ids adjacent to a device, in snapshot
// connection order.
func peerIDs(snap *domain.Snapshot, deviceID string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, conn := range snap.Connections {
		var peer string
		switch deviceID {
		case conn.From:
			peer = conn.To
		case conn.To:
			peer = conn.From
		default:
			continue
		}
		if _, dup := seen[peer]; dup {
			continue
		}
		seen[peer] = struct{}{}
		out = append(out, peer)
	}
	return out
}

// connectedBus finds the first bus adjacent to a device, in snapshot
// connection order.
func connectedBus(snap *domain.Snapshot, busMap map[string]int, deviceID string) (int, bool) {
	for _, conn := range snap.Connections {
		var peer string
		switch deviceID {
		case conn.From:
			peer = conn.To
		case conn.To:
			peer = conn.From
		default:
			continue
		}
		if idx, ok := busMap[peer]; ok {
			return idx, true
		}
	}
	return 0, false
}

func hasKind(snap *domain.Snapshot, kind domain.DeviceKind) bool {
	for _, dev := range snap.Devices {
		if dev.Kind == kind {
			return true
		}
	}
	return false
}

// ratedPowerMW resolves a power device's build-time power in MW from its
// rated_power property in kW.
func ratedPowerMW(props domain.Properties) float64 {
	kw, ok := props.Float("rated_power")
	if !ok {
		return 0.0
	}
	return kw / 1000.0
}

// inService derives the in-service flag from grid_mode: 0 means in service,
// 1 means islanded and excluded from the solve. Absent means in service.
func inService(props domain.Properties) bool {
	mode, ok := props.Int("grid_mode")
	if !ok {
		return true
	}
	return mode == 0
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		parsed, err := strconv.ParseBool(t)
		if err != nil {
			return true
		}
		return parsed
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

// formatKV renders a voltage or power number the way standard type strings
// write them, without a trailing ".0".
func formatKV(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
