package sim

import (
	"testing"
	"time"

	"github.com/gridfold/go-gridsim/internal/adapter"
	"github.com/gridfold/go-gridsim/internal/domain"
	"github.com/gridfold/go-gridsim/internal/kernel"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingConverter wraps the real adapter and counts conversions.
type countingConverter struct {
	inner *adapter.Adapter
	calls int
}

func (c *countingConverter) Convert(snap *domain.Snapshot) adapter.Result {
	c.calls++
	return c.inner.Convert(snap)
}

// scriptedKernel returns canned results, one per call, repeating the last.
type scriptedKernel struct {
	results []kernel.Result
	calls   int
	lastNet *adapter.Network
}

func (s *scriptedKernel) Name() string { return "scripted" }

func (s *scriptedKernel) Calculate(net *adapter.Network) kernel.Result {
	s.lastNet = net
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	return s.results[idx]
}

type scriptedFactory struct {
	kern kernel.Kernel
}

func (f *scriptedFactory) Create(kernelType string) (kernel.Kernel, error) {
	return f.kern, nil
}

func convergedResult() kernel.Result {
	return kernel.Result{
		Converged: true,
		Devices:   map[string]map[string]domain.ResultRow{},
	}
}

func failedResult() kernel.Result {
	return kernel.Result{
		Converged: false,
		Errors: []domain.Diagnostic{{
			Kind:     domain.DiagCalculation,
			Severity: domain.SeverityError,
			Message:  "power flow did not converge",
		}},
		Devices: map[string]map[string]domain.ResultRow{},
	}
}

// gridSnapshot is a minimal solvable topology: ext grid and load on one bus.
func gridSnapshot() *domain.Snapshot {
	return &domain.Snapshot{
		Devices: map[string]domain.SnapshotDevice{
			"b1": {Kind: domain.KindBus, Name: "Bus", Properties: domain.Properties{"voltage_level": 0.4}},
			"xg": {Kind: domain.KindExternalGrid, Name: "Grid", Properties: domain.Properties{}},
			"ld": {Kind: domain.KindLoad, Name: "Load", Properties: domain.Properties{"rated_power": 5.0}},
		},
		Connections: []domain.SnapshotConnection{
			{ID: "c1", From: "xg", To: "b1"},
			{ID: "c2", From: "ld", To: "b1"},
		},
	}
}

func newTestOrchestrator(t *testing.T, kern kernel.Kernel) (*Orchestrator, *countingConverter) {
	t.Helper()
	conv := &countingConverter{inner: adapter.New(zerolog.Nop())}
	o := New(conv, &scriptedFactory{kern: kern}, zerolog.Nop())
	return o, conv
}

func TestPerformCalculationWhileStopped(t *testing.T) {
	o, conv := newTestOrchestrator(t, &scriptedKernel{results: []kernel.Result{convergedResult()}})
	require.NoError(t, o.SetTopology(gridSnapshot(), "balance"))

	res := o.PerformCalculation()
	assert.False(t, res.Converged)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, domain.DiagRuntime, res.Errors[0].Kind)
	assert.Empty(t, res.Devices)
	assert.Equal(t, 0, conv.calls)
}

func TestStartRequiresTopology(t *testing.T) {
	o, _ := newTestOrchestrator(t, &scriptedKernel{results: []kernel.Result{convergedResult()}})
	assert.Error(t, o.Start(time.Second))
}

func TestRunningTickConvertsOnceAndCaches(t *testing.T) {
	o, conv := newTestOrchestrator(t, &scriptedKernel{results: []kernel.Result{convergedResult()}})
	require.NoError(t, o.SetTopology(gridSnapshot(), "balance"))
	require.NoError(t, o.Start(time.Second))

	first := o.PerformCalculation()
	second := o.PerformCalculation()
	assert.True(t, first.Converged)
	assert.True(t, second.Converged)
	assert.Equal(t, 1, conv.calls)
}

func TestPausedReturnsLastResultUnchanged(t *testing.T) {
	o, conv := newTestOrchestrator(t, &scriptedKernel{results: []kernel.Result{convergedResult()}})
	require.NoError(t, o.SetTopology(gridSnapshot(), "balance"))
	require.NoError(t, o.Start(time.Second))

	first := o.PerformCalculation()
	o.Pause()
	callsBefore := conv.calls

	paused := o.PerformCalculation()
	assert.Equal(t, first, paused)
	assert.Equal(t, callsBefore, conv.calls)
	assert.Equal(t, first.Converged, paused.Converged)
}

func TestNonConvergenceAutoPausesAndDropsCache(t *testing.T) {
	kern := &scriptedKernel{results: []kernel.Result{failedResult(), convergedResult()}}
	o, conv := newTestOrchestrator(t, kern)
	require.NoError(t, o.SetTopology(gridSnapshot(), "balance"))
	require.NoError(t, o.Start(time.Second))

	res := o.PerformCalculation()
	assert.False(t, res.Converged)
	assert.True(t, res.AutoPaused)
	assert.Equal(t, "paused", o.GetCalculationStatus().State)

	// After the auto-pause a resumed tick must re-invoke the adapter.
	callsBefore := conv.calls
	o.Resume()
	next := o.PerformCalculation()
	assert.True(t, next.Converged)
	assert.Equal(t, callsBefore+1, conv.calls)
}

func TestFingerprintIgnoresSetpointChanges(t *testing.T) {
	o, conv := newTestOrchestrator(t, &scriptedKernel{results: []kernel.Result{convergedResult()}})
	snap := gridSnapshot()
	require.NoError(t, o.SetTopology(snap, "balance"))
	require.NoError(t, o.Start(time.Second))
	o.PerformCalculation()
	require.Equal(t, 1, conv.calls)

	// Same structure, different setpoint: the cache must survive.
	changed := gridSnapshot()
	dev := changed.Devices["ld"]
	dev.Properties["rated_power"] = 9.0
	changed.Devices["ld"] = dev
	require.NoError(t, o.SetTopology(changed, "balance"))

	o.PerformCalculation()
	assert.Equal(t, 1, conv.calls)

	// A structural change invalidates it.
	reshaped := gridSnapshot()
	reshaped.Connections = reshaped.Connections[:1]
	require.NoError(t, o.SetTopology(reshaped, "balance"))
	o.PerformCalculation()
	assert.Equal(t, 2, conv.calls)
}

func TestOperatingPointInjection(t *testing.T) {
	kern := &scriptedKernel{results: []kernel.Result{convergedResult()}}
	o, _ := newTestOrchestrator(t, kern)
	require.NoError(t, o.SetTopology(gridSnapshot(), "balance"))
	require.NoError(t, o.Start(time.Second))
	o.PerformCalculation()

	require.NoError(t, o.UpdateDeviceProperties("ld", domain.Properties{"p_kw": 8.0}))
	o.PerformCalculation()

	// rated_power precedes p_kw in the fallback chain, so the original
	// setpoint still wins.
	require.Len(t, kern.lastNet.Loads, 1)
	assert.InDelta(t, 0.005, kern.lastNet.Loads[0].PMW, 1e-9)

	// Clearing is not supported; overriding rated_power takes effect.
	require.NoError(t, o.UpdateDeviceProperties("ld", domain.Properties{"rated_power": 8.0}))
	o.PerformCalculation()
	assert.InDelta(t, 0.008, kern.lastNet.Loads[0].PMW, 1e-9)
}

func TestCommandedPowerFallbacks(t *testing.T) {
	tests := []struct {
		name   string
		props  domain.Properties
		wantMW float64
		wantOK bool
	}{
		{"rated_power kw", domain.Properties{"rated_power": 5.0}, 0.005, true},
		{"p_kw", domain.Properties{"p_kw": 2.0}, 0.002, true},
		{"power small is kw", domain.Properties{"power": 3.0}, 0.003, true},
		{"power large is watts", domain.Properties{"power": 5000.0}, 0.005, true},
		{"nothing", domain.Properties{}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := commandedPowerMW(tt.props)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.InDelta(t, tt.wantMW, got, 1e-9)
			}
		})
	}
}

func TestErrorDedupAcrossMergedSources(t *testing.T) {
	dup := domain.Diagnostic{
		Kind:     domain.DiagCalculation,
		Severity: domain.SeverityError,
		Message:  "power flow did not converge",
	}
	kern := &scriptedKernel{results: []kernel.Result{{
		Converged: false,
		Errors:    []domain.Diagnostic{dup, dup, dup},
		Devices:   map[string]map[string]domain.ResultRow{},
	}}}
	o, _ := newTestOrchestrator(t, kern)
	require.NoError(t, o.SetTopology(gridSnapshot(), "balance"))
	require.NoError(t, o.Start(time.Second))

	res := o.PerformCalculation()
	count := 0
	for _, d := range res.Errors {
		if d.Message == dup.Message {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestStopPreservesCache(t *testing.T) {
	o, conv := newTestOrchestrator(t, &scriptedKernel{results: []kernel.Result{convergedResult()}})
	require.NoError(t, o.SetTopology(gridSnapshot(), "balance"))
	require.NoError(t, o.Start(time.Second))
	o.PerformCalculation()
	require.Equal(t, 1, conv.calls)

	o.Stop()
	require.NoError(t, o.Start(time.Second))
	o.PerformCalculation()
	assert.Equal(t, 1, conv.calls)
}

func TestStartResetsTickCount(t *testing.T) {
	o, _ := newTestOrchestrator(t, &scriptedKernel{results: []kernel.Result{convergedResult()}})
	require.NoError(t, o.SetTopology(gridSnapshot(), "balance"))
	require.NoError(t, o.Start(time.Second))
	o.PerformCalculation()
	o.PerformCalculation()
	require.Equal(t, 2, o.GetCalculationStatus().TickCount)

	require.NoError(t, o.Start(time.Second))
	assert.Equal(t, 0, o.GetCalculationStatus().TickCount)
}

func TestUpdateSwitchStateInvalidatesCache(t *testing.T) {
	snap := gridSnapshot()
	snap.Devices["b2"] = domain.SnapshotDevice{Kind: domain.KindBus, Name: "Bus 2", Properties: domain.Properties{}}
	snap.Devices["sw"] = domain.SnapshotDevice{Kind: domain.KindSwitch, Name: "Switch", Properties: domain.Properties{}}
	snap.Connections = append(snap.Connections,
		domain.SnapshotConnection{ID: "c3", From: "sw", To: "b1"},
		domain.SnapshotConnection{ID: "c4", From: "sw", To: "b2"},
	)

	o, conv := newTestOrchestrator(t, &scriptedKernel{results: []kernel.Result{convergedResult()}})
	require.NoError(t, o.SetTopology(snap, "balance"))
	require.NoError(t, o.Start(time.Second))
	o.PerformCalculation()
	require.Equal(t, 1, conv.calls)

	require.NoError(t, o.UpdateSwitchState("sw", false))
	o.PerformCalculation()
	assert.Equal(t, 2, conv.calls)

	assert.Error(t, o.UpdateSwitchState("ld", false))
}

func TestGetDeviceData(t *testing.T) {
	busRow := domain.ResultRow{"vm_pu": 0.98, "va_degree": 0.0}
	kern := &scriptedKernel{results: []kernel.Result{{
		Converged: true,
		Devices: map[string]map[string]domain.ResultRow{
			domain.CategoryBuses:         {"0": busRow},
			domain.CategoryLoads:         {"0": {"p_mw": 0.005, "q_mvar": 0.0}},
			domain.CategoryExternalGrids: {"0": {"p_mw": 0.005, "q_mvar": 0.0}},
		},
	}}}
	o, _ := newTestOrchestrator(t, kern)
	snap := gridSnapshot()
	snap.Devices["mt"] = domain.SnapshotDevice{Kind: domain.KindMeter, Name: "Meter", Properties: domain.Properties{}}
	snap.Connections = append(snap.Connections,
		domain.SnapshotConnection{ID: "c3", From: "mt", To: "ld"})
	require.NoError(t, o.SetTopology(snap, "balance"))
	require.NoError(t, o.Start(time.Second))
	o.PerformCalculation()

	t.Run("bus voltage in volts", func(t *testing.T) {
		data := o.GetDeviceData("b1")
		assert.InDelta(t, 0.98, data["vm_pu"], 1e-9)
		assert.InDelta(t, 392.0, data["voltage_v"], 1e-6)
	})

	t.Run("load power", func(t *testing.T) {
		data := o.GetDeviceData("ld")
		assert.InDelta(t, 0.005, data["p_mw"], 1e-9)
	})

	t.Run("external grid power", func(t *testing.T) {
		data := o.GetDeviceData("xg")
		assert.InDelta(t, 0.005, data["p_mw"], 1e-9)
	})

	t.Run("meter reads its peer", func(t *testing.T) {
		data := o.GetDeviceData("mt")
		assert.InDelta(t, 0.005, data["p_mw"], 1e-9)
	})

	t.Run("unknown device is zeroed", func(t *testing.T) {
		assert.Empty(t, o.GetDeviceData("ghost"))
	})
}

func TestStorageSocIntegration(t *testing.T) {
	snap := gridSnapshot()
	snap.Devices["st"] = domain.SnapshotDevice{
		Kind: domain.KindStorage,
		Name: "Battery",
		Properties: domain.Properties{
			"capacity": 10.0, "initial_soc": 50.0, "rated_power": 5.0,
		},
	}
	snap.Connections = append(snap.Connections,
		domain.SnapshotConnection{ID: "c3", From: "st", To: "b1"})

	// Storage charges at 5 kW; with a 1 hour tick that is 5 kWh per tick on
	// a 10 kWh pack.
	kern := &scriptedKernel{results: []kernel.Result{{
		Converged: true,
		Devices: map[string]map[string]domain.ResultRow{
			domain.CategoryStorages: {"0": {"p_mw": 0.005}},
		},
	}}}
	o, _ := newTestOrchestrator(t, kern)
	require.NoError(t, o.SetTopology(snap, "balance"))
	require.NoError(t, o.Start(time.Hour))

	res := o.PerformCalculation()
	require.True(t, res.Converged)
	assert.InDelta(t, 100.0, res.Devices[domain.CategoryStorages]["0"]["soc_percent"], 1e-6)

	// Clamped at capacity on the next tick.
	res = o.PerformCalculation()
	assert.InDelta(t, 100.0, res.Devices[domain.CategoryStorages]["0"]["soc_percent"], 1e-6)
}

func TestKernelPanicBecomesRuntimeDiagnostic(t *testing.T) {
	o, _ := newTestOrchestrator(t, panicKernel{})
	require.NoError(t, o.SetTopology(gridSnapshot(), "balance"))
	require.NoError(t, o.Start(time.Second))

	res := o.PerformCalculation()
	assert.False(t, res.Converged)
	assert.True(t, res.AutoPaused)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, domain.DiagRuntime, res.Errors[len(res.Errors)-1].Kind)
}

type panicKernel struct{}

func (panicKernel) Name() string { return "panic" }
func (panicKernel) Calculate(net *adapter.Network) kernel.Result {
	panic("boom")
}
