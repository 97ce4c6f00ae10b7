package kernel

import (
	"testing"

	"github.com/gridfold/go-gridsim/internal/adapter"
	"github.com/gridfold/go-gridsim/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory(t *testing.T) {
	f := NewFactory(zerolog.Nop())

	t.Run("balance kernel", func(t *testing.T) {
		k, err := f.Create("balance")
		require.NoError(t, err)
		assert.Equal(t, "balance", k.Name())
	})

	t.Run("empty key defaults to balance", func(t *testing.T) {
		k, err := f.Create("")
		require.NoError(t, err)
		assert.Equal(t, "balance", k.Name())
	})

	t.Run("unknown key fails cleanly", func(t *testing.T) {
		k, err := f.Create("newton")
		require.Error(t, err)
		assert.Nil(t, k)
		assert.Contains(t, err.Error(), "unknown kernel type")
	})
}

// slackNetwork builds ext_grid(b0) -- line -- b1 with a load on b1.
func slackNetwork(loadMW float64) *adapter.Network {
	net := adapter.NewNetwork()
	b0 := net.AddBus(adapter.Bus{Name: "grid bus", VnKV: 0.4})
	b1 := net.AddBus(adapter.Bus{Name: "load bus", VnKV: 0.4})
	net.AddLine(adapter.Line{Name: "feeder", FromBus: b0, ToBus: b1, LengthKM: 1.0, StdType: "NAYY 4x50 SE"})
	net.AddExtGrid(adapter.ExtGrid{Name: "grid", Bus: b0, VmPU: 1.0})
	net.AddLoad(adapter.Load{Name: "load", Bus: b1, PMW: loadMW, InService: true})
	return net
}

func TestBalanceKernelConverges(t *testing.T) {
	k := NewBalanceKernel(zerolog.Nop())
	res := k.Calculate(slackNetwork(0.005))

	require.True(t, res.Converged)
	require.Empty(t, res.Errors)

	// The slack covers the load through the feeder.
	assert.InDelta(t, 0.005, res.Devices[domain.CategoryExternalGrids]["0"]["p_mw"], 1e-9)
	assert.InDelta(t, 0.005, res.Devices[domain.CategoryLines]["0"]["p_from_mw"], 1e-9)
	assert.InDelta(t, -0.005, res.Devices[domain.CategoryLines]["0"]["p_to_mw"], 1e-9)

	// Load bus voltage droops below the slack bus.
	slackVm := res.Devices[domain.CategoryBuses]["0"]["vm_pu"]
	loadVm := res.Devices[domain.CategoryBuses]["1"]["vm_pu"]
	assert.Equal(t, 1.0, slackVm)
	assert.Less(t, loadVm, slackVm)
}

func TestBalanceKernelNoSlack(t *testing.T) {
	k := NewBalanceKernel(zerolog.Nop())
	net := adapter.NewNetwork()
	b0 := net.AddBus(adapter.Bus{Name: "bus", VnKV: 0.4})
	net.AddLoad(adapter.Load{Name: "load", Bus: b0, PMW: 0.005, InService: true})

	res := k.Calculate(net)
	assert.False(t, res.Converged)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, domain.DiagCalculation, res.Errors[0].Kind)
	assert.Equal(t, domain.SeverityError, res.Errors[0].Severity)
}

func TestBalanceKernelIslandedPower(t *testing.T) {
	k := NewBalanceKernel(zerolog.Nop())
	net := slackNetwork(0.005)
	island := net.AddBus(adapter.Bus{Name: "island", VnKV: 0.4})
	net.AddGenerator(adapter.Generator{Name: "pv", Bus: island, PMW: 0.01, VmPU: 1.0, InService: true})

	res := k.Calculate(net)
	assert.False(t, res.Converged)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0].Message, "not connected to the slack source")
}

func TestBalanceKernelOpenSwitchIsolates(t *testing.T) {
	k := NewBalanceKernel(zerolog.Nop())
	net := slackNetwork(0.0)
	// An open switch on the feeder cuts the load bus off; with zero load
	// there the solve still converges and no power flows.
	net.AddSwitch(adapter.Switch{Name: "sw", Bus: 0, Element: 0, Et: "l", Closed: false})

	res := k.Calculate(net)
	require.True(t, res.Converged)
	assert.Equal(t, 0.0, res.Devices[domain.CategoryLines]["0"]["p_from_mw"])
	assert.Equal(t, 0.0, res.Devices[domain.CategoryBuses]["1"]["vm_pu"])
}

func TestBalanceKernelOverloadWarning(t *testing.T) {
	k := NewBalanceKernel(zerolog.Nop())
	res := k.Calculate(slackNetwork(0.5))

	require.True(t, res.Converged)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, domain.SeverityWarning, res.Errors[0].Severity)
	assert.Contains(t, res.Errors[0].Message, "overloaded")
}

func TestBalanceKernelOutOfServiceIgnored(t *testing.T) {
	k := NewBalanceKernel(zerolog.Nop())
	net := slackNetwork(0.0)
	net.AddLoad(adapter.Load{Name: "islanded load", Bus: 1, PMW: 0.05, InService: false})

	res := k.Calculate(net)
	require.True(t, res.Converged)
	assert.Equal(t, 0.0, res.Devices[domain.CategoryExternalGrids]["0"]["p_mw"])
	assert.Equal(t, 0.0, res.Devices[domain.CategoryLoads]["1"]["p_mw"])
}
