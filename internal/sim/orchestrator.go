// Package sim drives the calculation cycle: it caches the constructed
// network by structural fingerprint, injects operating points per tick, and
// auto-pauses on repeated failure.
package sim

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gridfold/go-gridsim/internal/adapter"
	"github.com/gridfold/go-gridsim/internal/domain"
	"github.com/gridfold/go-gridsim/internal/kernel"
	"github.com/rs/zerolog"
)

// State is the orchestrator lifecycle state.
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

// tickWindowSize bounds the sliding window of tick durations kept for the
// average in Status.
const tickWindowSize = 100

const (
	defaultInitialSoc   = 50.0
	defaultTickInterval = time.Second
)

// NetworkConverter rebuilds a solver-ready network from a snapshot. Satisfied
// by *adapter.Adapter; tests substitute a counting double.
type NetworkConverter interface {
	Convert(snap *domain.Snapshot) adapter.Result
}

// KernelFactory resolves a kernel by type key. Satisfied by *kernel.Factory.
type KernelFactory interface {
	Create(kernelType string) (kernel.Kernel, error)
}

// Status is the externally visible calculation state.
type Status struct {
	State           string  `json:"state"`
	KernelType      string  `json:"kernel_type,omitempty"`
	TopologySet     bool    `json:"topology_set"`
	TickCount       int     `json:"tick_count"`
	AvgTickMillis   float64 `json:"avg_tick_ms"`
	CachedNetwork   bool    `json:"cached_network"`
	LastTickAt      string  `json:"last_tick_at,omitempty"`
	TickIntervalSec float64 `json:"tick_interval_sec"`
}

// cacheEntry pairs a constructed network with its index maps. Invalidation
// replaces the whole entry with nil, never mutates it partially.
type cacheEntry struct {
	net  *adapter.Network
	maps adapter.IndexMaps
}

// storageState tracks a storage device's accumulated energy between ticks.
type storageState struct {
	energyKWh   float64
	capacityKWh float64
}

// Orchestrator owns the conversion cache and the tick cycle. All public
// operations are serialized by an internal mutex; a tick blocks for the
// duration of the kernel invocation. The orchestrator never owns a timer:
// cadence belongs entirely to the caller.
type Orchestrator struct {
	mu        sync.Mutex
	logger    zerolog.Logger
	converter NetworkConverter
	kernels   KernelFactory

	state       State
	kern        kernel.Kernel
	snap        *domain.Snapshot
	fingerprint string

	cache    *cacheEntry
	lastMaps adapter.IndexMaps
	hasMaps  bool

	lastResult *domain.CalculationResult

	tickInterval  time.Duration
	tickCount     int
	tickDurations []time.Duration
	lastTickAt    time.Time

	storages map[string]*storageState

	now func() time.Time
}

// New creates a stopped orchestrator with no topology.
func New(converter NetworkConverter, kernels KernelFactory, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		logger:       logger.With().Str("component", "sim").Logger(),
		converter:    converter,
		kernels:      kernels,
		state:        StateStopped,
		tickInterval: defaultTickInterval,
		storages:     make(map[string]*storageState),
		now:          time.Now,
	}
}

// SetTopology stores a snapshot and selects the kernel backend. The cached
// network survives when only operating-point values changed; any structural
// difference invalidates it.
func (o *Orchestrator) SetTopology(snap *domain.Snapshot, kernelType string) error {
	if snap == nil {
		return fmt.Errorf("topology snapshot is nil")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	kern, err := o.kernels.Create(kernelType)
	if err != nil {
		return fmt.Errorf("select kernel: %w", err)
	}
	o.kern = kern

	fp := fingerprint(snap)
	if fp != o.fingerprint {
		o.logger.Debug().Str("fingerprint", fp[:12]).Msg("Topology structure changed, cache invalidated")
		o.cache = nil
		o.fingerprint = fp
	}
	o.snap = snap.Clone()
	o.initStorageStates()
	return nil
}

// Start transitions to Running and resets the tick count, so a pause
// followed by a restart begins from zero. A topology must already be set.
func (o *Orchestrator) Start(tickInterval time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.snap == nil {
		return fmt.Errorf("no topology set")
	}
	if tickInterval > 0 {
		o.tickInterval = tickInterval
	}
	o.state = StateRunning
	o.tickCount = 0
	o.tickDurations = nil
	o.logger.Info().Dur("tick_interval", o.tickInterval).Msg("Simulation started")
	return nil
}

// Stop returns to Stopped. The construction cache is deliberately kept so a
// later Start with an unchanged topology reuses it.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateStopped
	o.logger.Info().Msg("Simulation stopped")
}

// Pause suspends calculation without touching the cache.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateRunning {
		o.state = StatePaused
	}
}

// Resume returns a paused simulation to Running.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StatePaused {
		o.state = StateRunning
	}
}

// PerformCalculation runs one externally-triggered tick. Every failure comes
// back as diagnostics in the result; this method never panics across its
// boundary.
func (o *Orchestrator) PerformCalculation() *domain.CalculationResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case StateStopped:
		return &domain.CalculationResult{
			Converged: false,
			Errors: []domain.Diagnostic{{
				Kind:     domain.DiagRuntime,
				Severity: domain.SeverityError,
				Message:  "simulation not started",
			}},
			Devices: map[string]map[string]domain.ResultRow{},
		}
	case StatePaused:
		if o.lastResult != nil {
			return o.lastResult.Clone()
		}
		return &domain.CalculationResult{
			Converged: false,
			Errors:    []domain.Diagnostic{},
			Devices:   map[string]map[string]domain.ResultRow{},
		}
	}

	started := o.now()
	result := o.tick()
	o.recordTick(o.now().Sub(started))

	o.lastResult = result
	return result.Clone()
}

// tick is steps 3 through 8 of the calculation cycle, running with the lock
// held and the state known to be Running.
func (o *Orchestrator) tick() *domain.CalculationResult {
	var diags []domain.Diagnostic

	if o.cache == nil {
		res := o.convert()
		diags = append(diags, res.Errors...)
		diags = append(diags, res.Warnings...)
		if !res.Success {
			o.state = StatePaused
			return &domain.CalculationResult{
				Converged:  false,
				Errors:     dedupDiagnostics(diags),
				Devices:    map[string]map[string]domain.ResultRow{},
				AutoPaused: true,
			}
		}
		o.cache = &cacheEntry{net: res.Network, maps: res.Maps}
		o.lastMaps = res.Maps
		o.hasMaps = true
	}

	o.injectOperatingPoint()

	kres := o.calculate()
	diags = append(diags, kres.Errors...)
	deduped := dedupDiagnostics(diags)

	autoPause := domain.HasErrors(deduped) || !kres.Converged
	if autoPause {
		// Dropping the cache forces a full rebuild on the next tick, which
		// is how the system recovers once the topology is fixed.
		o.cache = nil
		o.state = StatePaused
	}

	result := &domain.CalculationResult{
		Converged:  kres.Converged,
		Errors:     deduped,
		Devices:    kres.Devices,
		AutoPaused: autoPause,
	}
	if result.Devices == nil {
		result.Devices = map[string]map[string]domain.ResultRow{}
	}

	if kres.Converged {
		o.integrateStorage(result)
	}

	o.tickCount++
	o.lastTickAt = o.now()
	return result
}

// convert runs the adapter, shielding the tick from a panicking converter.
func (o *Orchestrator) convert() (res adapter.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = adapter.Result{
				Success: false,
				Errors: []domain.Diagnostic{{
					Kind:     domain.DiagRuntime,
					Severity: domain.SeverityError,
					Message:  fmt.Sprintf("network construction panicked: %v", r),
				}},
			}
		}
	}()
	return o.converter.Convert(o.snap)
}

// calculate invokes the kernel, shielding the tick from a panicking backend.
func (o *Orchestrator) calculate() (res kernel.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = kernel.Result{
				Converged: false,
				Errors: []domain.Diagnostic{{
					Kind:     domain.DiagRuntime,
					Severity: domain.SeverityError,
					Message:  fmt.Sprintf("kernel panicked: %v", r),
				}},
			}
		}
	}()
	return o.kern.Calculate(o.cache.net)
}

// injectOperatingPoint writes each device's commanded power into the cached
// network through the index maps. Devices without a power value or without a
// mapped row are skipped; injection never fails the tick.
func (o *Orchestrator) injectOperatingPoint() {
	ids := make([]string, 0, len(o.snap.Devices))
	for id := range o.snap.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	net := o.cache.net
	maps := o.cache.maps
	for _, id := range ids {
		dev := o.snap.Devices[id]
		pMW, ok := commandedPowerMW(dev.Properties)
		if !ok {
			continue
		}
		switch dev.Kind {
		case domain.KindGenerator:
			if idx, mapped := maps.DeviceMap[domain.CategoryGenerators][id]; mapped {
				net.Generators[idx].PMW = pMW
			}
		case domain.KindLoad, domain.KindCharger:
			if idx, mapped := maps.DeviceMap[domain.CategoryLoads][id]; mapped {
				net.Loads[idx].PMW = pMW
			}
		case domain.KindStorage:
			if idx, mapped := maps.DeviceMap[domain.CategoryStorages][id]; mapped {
				net.Storages[idx].PMW = pMW
			}
		}
	}
}

// commandedPowerMW resolves a device's commanded power in MW from the
// setpoint fallback chain. The bare "power" key carries a unit guess: a
// magnitude over 1000 is treated as watts.
func commandedPowerMW(props domain.Properties) (float64, bool) {
	if kw, ok := props.Float("rated_power"); ok {
		return kw / 1000.0, true
	}
	if kw, ok := props.Float("p_kw"); ok {
		return kw / 1000.0, true
	}
	if p, ok := props.Float("power"); ok {
		if math.Abs(p) > 1000 {
			p /= 1000.0
		}
		return p / 1000.0, true
	}
	return 0, false
}

// initStorageStates seeds accumulated energy for storages first seen in the
// snapshot, from capacity and initial SOC. Known storages keep their state
// across topology updates.
func (o *Orchestrator) initStorageStates() {
	seen := make(map[string]struct{})
	for id, dev := range o.snap.Devices {
		if dev.Kind != domain.KindStorage {
			continue
		}
		seen[id] = struct{}{}
		capacity, ok := dev.Properties.Float("capacity")
		if !ok || capacity <= 0 {
			capacity = 100.0
		}
		if st, known := o.storages[id]; known {
			st.capacityKWh = capacity
			continue
		}
		soc, ok := dev.Properties.Float("initial_soc")
		if !ok {
			soc = defaultInitialSoc
		}
		o.storages[id] = &storageState{
			energyKWh:   soc / 100.0 * capacity,
			capacityKWh: capacity,
		}
	}
	for id := range o.storages {
		if _, still := seen[id]; !still {
			delete(o.storages, id)
		}
	}
}

// integrateStorage advances each storage's energy by its solved power over
// one tick interval and reports the SOC in the result rows.
func (o *Orchestrator) integrateStorage(result *domain.CalculationResult) {
	rows := result.Devices[domain.CategoryStorages]
	if rows == nil {
		return
	}
	dtHours := o.tickInterval.Hours()
	for id, st := range o.storages {
		idx, mapped := o.lastMaps.DeviceMap[domain.CategoryStorages][id]
		if !mapped {
			continue
		}
		row, ok := rows[strconv.Itoa(idx)]
		if !ok {
			continue
		}
		pKW := row["p_mw"] * 1000.0
		st.energyKWh += pKW * dtHours
		st.energyKWh = math.Max(0, math.Min(st.capacityKWh, st.energyKWh))
		row["soc_percent"] = st.energyKWh / st.capacityKWh * 100.0
	}
}

// UpdateDeviceProperties merges setpoint values into the stored snapshot.
// The cache is untouched; the change takes effect at the next tick's
// operating-point injection.
func (o *Orchestrator) UpdateDeviceProperties(deviceID string, props domain.Properties) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.snap == nil {
		return fmt.Errorf("no topology set")
	}
	dev, ok := o.snap.Devices[deviceID]
	if !ok {
		return fmt.Errorf("unknown device %s", deviceID)
	}
	if dev.Properties == nil {
		dev.Properties = domain.Properties{}
	}
	for k, v := range props {
		dev.Properties[k] = v
	}
	o.snap.Devices[deviceID] = dev
	return nil
}

// UpdateSwitchState opens or closes a switch. This is a structural change,
// so the cached network is dropped and the stored fingerprint refreshed.
func (o *Orchestrator) UpdateSwitchState(deviceID string, closed bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.snap == nil {
		return fmt.Errorf("no topology set")
	}
	dev, ok := o.snap.Devices[deviceID]
	if !ok {
		return fmt.Errorf("unknown device %s", deviceID)
	}
	if dev.Kind != domain.KindSwitch {
		return fmt.Errorf("device %s is not a switch", deviceID)
	}
	if dev.Properties == nil {
		dev.Properties = domain.Properties{}
	}
	dev.Properties["is_closed"] = closed
	o.snap.Devices[deviceID] = dev

	o.cache = nil
	o.fingerprint = fingerprint(o.snap)
	return nil
}

// GetDeviceData projects the last result into a per-kind view for one
// device. An unmapped device or a missing result yields a zeroed row.
func (o *Orchestrator) GetDeviceData(deviceID string) domain.ResultRow {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deviceData(deviceID)
}

func (o *Orchestrator) deviceData(deviceID string) domain.ResultRow {
	if o.snap == nil {
		return domain.ResultRow{}
	}
	dev, ok := o.snap.Devices[deviceID]
	if !ok || o.lastResult == nil || !o.hasMaps {
		return domain.ResultRow{}
	}

	switch dev.Kind {
	case domain.KindBus:
		row := o.resultRow(domain.CategoryBuses, o.lastMaps.BusMap, deviceID)
		vnKV, ok := dev.Properties.FirstFloat(busVoltageKeys...)
		if !ok {
			vnKV = adapter.DefaultBusVnKV
		}
		return domain.ResultRow{
			"vm_pu":     row["vm_pu"],
			"va_degree": row["va_degree"],
			"voltage_v": row["vm_pu"] * vnKV * 1000.0,
		}
	case domain.KindLine:
		row := o.resultRow(domain.CategoryLines, o.lastMaps.DeviceMap[domain.CategoryLines], deviceID)
		return domain.ResultRow{
			"p_from_mw":       row["p_from_mw"],
			"p_to_mw":         row["p_to_mw"],
			"loading_percent": row["loading_percent"],
		}
	case domain.KindTransformer:
		row := o.resultRow(domain.CategoryTransformers, o.lastMaps.DeviceMap[domain.CategoryTransformers], deviceID)
		return domain.ResultRow{
			"p_hv_mw":         row["p_hv_mw"],
			"p_lv_mw":         row["p_lv_mw"],
			"loading_percent": row["loading_percent"],
		}
	case domain.KindGenerator:
		row := o.resultRow(domain.CategoryGenerators, o.lastMaps.DeviceMap[domain.CategoryGenerators], deviceID)
		return domain.ResultRow{"p_mw": row["p_mw"], "q_mvar": row["q_mvar"]}
	case domain.KindLoad, domain.KindCharger:
		row := o.resultRow(domain.CategoryLoads, o.lastMaps.DeviceMap[domain.CategoryLoads], deviceID)
		return domain.ResultRow{"p_mw": row["p_mw"], "q_mvar": row["q_mvar"]}
	case domain.KindStorage:
		row := o.resultRow(domain.CategoryStorages, o.lastMaps.DeviceMap[domain.CategoryStorages], deviceID)
		out := domain.ResultRow{"p_mw": row["p_mw"], "q_mvar": row["q_mvar"]}
		if st, known := o.storages[deviceID]; known && st.capacityKWh > 0 {
			out["soc_percent"] = st.energyKWh / st.capacityKWh * 100.0
		}
		return out
	case domain.KindExternalGrid:
		row := o.resultRow(domain.CategoryExternalGrids, o.lastMaps.DeviceMap[domain.CategoryExternalGrids], deviceID)
		return domain.ResultRow{"p_mw": row["p_mw"], "q_mvar": row["q_mvar"]}
	case domain.KindMeter:
		// A meter is transparent in the network; it reads its single peer.
		for _, c := range o.snap.Connections {
			var peer string
			switch deviceID {
			case c.From:
				peer = c.To
			case c.To:
				peer = c.From
			default:
				continue
			}
			if p, known := o.snap.Devices[peer]; known && p.Kind != domain.KindMeter {
				return o.deviceData(peer)
			}
		}
		return domain.ResultRow{}
	default:
		return domain.ResultRow{}
	}
}

// busVoltageKeys mirrors the adapter's voltage fallback chain for the volts
// projection.
var busVoltageKeys = []string{"voltage_level", "vn_kv", "voltage_kv", "rated_voltage"}

func (o *Orchestrator) resultRow(category string, index map[string]int, deviceID string) domain.ResultRow {
	idx, mapped := index[deviceID]
	if !mapped {
		return domain.ResultRow{}
	}
	rows := o.lastResult.Devices[category]
	if rows == nil {
		return domain.ResultRow{}
	}
	row, ok := rows[strconv.Itoa(idx)]
	if !ok {
		return domain.ResultRow{}
	}
	return row
}

// GetCalculationStatus reports the externally visible state.
func (o *Orchestrator) GetCalculationStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{
		State:           o.state.String(),
		TopologySet:     o.snap != nil,
		TickCount:       o.tickCount,
		CachedNetwork:   o.cache != nil,
		TickIntervalSec: o.tickInterval.Seconds(),
	}
	if o.kern != nil {
		st.KernelType = o.kern.Name()
	}
	if len(o.tickDurations) > 0 {
		var total time.Duration
		for _, d := range o.tickDurations {
			total += d
		}
		avg := total / time.Duration(len(o.tickDurations))
		st.AvgTickMillis = float64(avg.Microseconds()) / 1000.0
	}
	if !o.lastTickAt.IsZero() {
		st.LastTickAt = o.lastTickAt.UTC().Format(time.RFC3339)
	}
	return st
}

// GetErrors returns the diagnostics of the last result.
func (o *Orchestrator) GetErrors() []domain.Diagnostic {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastResult == nil {
		return []domain.Diagnostic{}
	}
	return append([]domain.Diagnostic(nil), o.lastResult.Errors...)
}

// GetLastResult returns a copy of the last calculation result, or nil if no
// tick has produced one.
func (o *Orchestrator) GetLastResult() *domain.CalculationResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastResult == nil {
		return nil
	}
	return o.lastResult.Clone()
}

func (o *Orchestrator) recordTick(d time.Duration) {
	o.tickDurations = append(o.tickDurations, d)
	if len(o.tickDurations) > tickWindowSize {
		o.tickDurations = o.tickDurations[len(o.tickDurations)-tickWindowSize:]
	}
}

// dedupDiagnostics keeps the first occurrence of each distinct diagnostic
// tuple, so repeated ticks accumulate the set of live conditions rather than
// one entry per tick.
func dedupDiagnostics(diags []domain.Diagnostic) []domain.Diagnostic {
	out := make([]domain.Diagnostic, 0, len(diags))
	seen := make(map[string]struct{}, len(diags))
	for _, d := range diags {
		key := d.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}
	return out
}
