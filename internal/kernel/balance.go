package kernel

import (
	"fmt"
	"math"
	"strconv"

	"github.com/gridfold/go-gridsim/internal/adapter"
	"github.com/gridfold/go-gridsim/internal/domain"
	"github.com/rs/zerolog"
)

// voltageDroopPerMW approximates the per-unit voltage drop a bus sees per MW
// of net draw.
const voltageDroopPerMW = 0.02

// BalanceKernel is the reference backend: a deterministic power-balance
// approximation rather than a numeric power-flow solve. The external grid
// acts as the slack source, flows are accumulated over a spanning tree from
// the slack bus, and bus voltages droop linearly with net draw. It exists so
// the whole pipeline can run and be tested without an external solver.
type BalanceKernel struct {
	logger zerolog.Logger
}

// NewBalanceKernel creates the reference kernel.
func NewBalanceKernel(logger zerolog.Logger) *BalanceKernel {
	return &BalanceKernel{
		logger: logger.With().Str("component", "balance_kernel").Logger(),
	}
}

func (k *BalanceKernel) Name() string { return "balance" }

// Calculate runs the balance approximation over the network.
func (k *BalanceKernel) Calculate(net *adapter.Network) Result {
	res := Result{
		Converged: true,
		Devices:   make(map[string]map[string]domain.ResultRow),
	}
	if net == nil {
		res.Converged = false
		res.Errors = append(res.Errors, domain.Diagnostic{
			Kind:     domain.DiagCalculation,
			Severity: domain.SeverityError,
			Message:  "no network to calculate",
		})
		return res
	}

	if len(net.ExtGrids) == 0 {
		res.Converged = false
		res.Errors = append(res.Errors, domain.Diagnostic{
			Kind:     domain.DiagCalculation,
			Severity: domain.SeverityError,
			Message:  "power flow did not converge: network has no slack source",
		})
		return res
	}
	slackBus := net.ExtGrids[0].Bus

	// Net injection per bus: generation positive, consumption negative.
	// Storage follows the charging-positive convention, so its power counts
	// as draw.
	injection := make([]float64, len(net.Buses))
	for _, g := range net.Generators {
		if g.InService {
			injection[g.Bus] += g.PMW
		}
	}
	for _, l := range net.Loads {
		if l.InService {
			injection[l.Bus] -= l.PMW
		}
	}
	for _, s := range net.Storages {
		if s.InService {
			injection[s.Bus] -= s.PMW
		}
	}

	reach, parent, parentEdge := spanningTree(net, slackBus)

	// Islanded buses that carry power make the solve meaningless.
	for bus, p := range injection {
		if !reach[bus] && p != 0 {
			res.Converged = false
			res.Errors = append(res.Errors, domain.Diagnostic{
				Kind:     domain.DiagCalculation,
				Severity: domain.SeverityError,
				Message:  fmt.Sprintf("bus %s carries power but is not connected to the slack source", net.Buses[bus].Name),
			})
		}
	}
	if !res.Converged {
		return res
	}

	// Subtree draw per bus: the power that must flow into the bus from the
	// slack direction. Accumulated leaf-to-root over the spanning tree.
	subtree := make([]float64, len(net.Buses))
	for bus := range injection {
		if reach[bus] {
			subtree[bus] = -injection[bus]
		}
	}
	for _, bus := range leafToRootOrder(parent, slackBus) {
		if p := parent[bus]; p >= 0 {
			subtree[p] += subtree[bus]
		}
	}

	// Tree-edge flows; parallel paths outside the tree carry zero in this
	// approximation.
	lineFlow := make([]float64, len(net.Lines))
	trafoFlow := make([]float64, len(net.Transformers))
	for bus, edge := range parentEdge {
		if parent[bus] < 0 || edge.category == "" {
			continue
		}
		flow := subtree[bus] * edge.direction
		switch edge.category {
		case domain.CategoryLines:
			lineFlow[edge.index] = flow
		case domain.CategoryTransformers:
			trafoFlow[edge.index] = flow
		}
	}

	res.Devices[domain.CategoryBuses] = k.busRows(net, injection, subtree, reach, slackBus)
	res.Devices[domain.CategoryLines] = k.lineRows(net, lineFlow, &res)
	res.Devices[domain.CategoryTransformers] = k.trafoRows(net, trafoFlow, &res)
	res.Devices[domain.CategorySwitches] = k.switchRows(net)
	res.Devices[domain.CategoryGenerators] = k.generatorRows(net)
	res.Devices[domain.CategoryLoads] = k.loadRows(net)
	res.Devices[domain.CategoryStorages] = k.storageRows(net)
	res.Devices[domain.CategoryExternalGrids] = k.extGridRows(net, subtree, slackBus)

	return res
}

type treeEdge struct {
	category  string
	index     int
	direction float64
}

// spanningTree walks lines, transformers and closed bus-bus switches from
// the slack bus. It returns reachability, the parent bus of each reached
// bus (-1 for the root), and the edge leading to the parent.
func spanningTree(net *adapter.Network, slackBus int) ([]bool, []int, []treeEdge) {
	n := len(net.Buses)
	reach := make([]bool, n)
	parent := make([]int, n)
	parentEdge := make([]treeEdge, n)
	for i := range parent {
		parent[i] = -1
	}

	type adj struct {
		to   int
		edge treeEdge
	}
	adjacency := make([][]adj, n)
	addEdge := func(a, b int, category string, index int) {
		adjacency[a] = append(adjacency[a], adj{to: b, edge: treeEdge{category, index, 1}})
		adjacency[b] = append(adjacency[b], adj{to: a, edge: treeEdge{category, index, -1}})
	}

	openElements := openSwitchElements(net)
	for i, l := range net.Lines {
		if openElements[domain.CategoryLines][i] {
			continue
		}
		addEdge(l.FromBus, l.ToBus, domain.CategoryLines, i)
	}
	for i, t := range net.Transformers {
		if openElements[domain.CategoryTransformers][i] {
			continue
		}
		addEdge(t.HVBus, t.LVBus, domain.CategoryTransformers, i)
	}
	for _, s := range net.Switches {
		if s.Et == "b" && s.Closed {
			addEdge(s.Bus, s.Element, "", 0)
		}
	}

	queue := []int{slackBus}
	reach[slackBus] = true
	for len(queue) > 0 {
		bus := queue[0]
		queue = queue[1:]
		for _, a := range adjacency[bus] {
			if reach[a.to] {
				continue
			}
			reach[a.to] = true
			parent[a.to] = bus
			// Direction is positive when flow runs parent-to-child along the
			// element's own from/hv orientation.
			parentEdge[a.to] = a.edge
			queue = append(queue, a.to)
		}
	}
	return reach, parent, parentEdge
}

// openSwitchElements collects line/transformer indices isolated by an open
// element switch.
func openSwitchElements(net *adapter.Network) map[string]map[int]bool {
	out := map[string]map[int]bool{
		domain.CategoryLines:        {},
		domain.CategoryTransformers: {},
	}
	for _, s := range net.Switches {
		if s.Closed {
			continue
		}
		switch s.Et {
		case "l":
			out[domain.CategoryLines][s.Element] = true
		case "t":
			out[domain.CategoryTransformers][s.Element] = true
		}
	}
	return out
}

// leafToRootOrder orders reached buses so every bus appears before its
// parent.
func leafToRootOrder(parent []int, root int) []int {
	depth := make([]int, len(parent))
	var order []int
	for bus, p := range parent {
		if p < 0 && bus != root {
			continue
		}
		d := 0
		for cur := bus; parent[cur] >= 0; cur = parent[cur] {
			d++
		}
		depth[bus] = d
		order = append(order, bus)
	}
	// Insertion sort by descending depth keeps this dependency-free and the
	// bus count is small.
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && depth[order[j]] > depth[order[j-1]]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	return order
}

func (k *BalanceKernel) busRows(net *adapter.Network, injection, subtree []float64, reach []bool, slackBus int) map[string]domain.ResultRow {
	rows := make(map[string]domain.ResultRow, len(net.Buses))
	for i := range net.Buses {
		vm := 1.0
		if i != slackBus && reach[i] {
			vm = 1.0 - voltageDroopPerMW*subtree[i]
			vm = math.Max(0.9, math.Min(1.1, vm))
		}
		if !reach[i] {
			vm = 0.0
		}
		rows[strconv.Itoa(i)] = domain.ResultRow{
			"vm_pu":     vm,
			"va_degree": 0.0,
			"p_mw":      -injection[i],
		}
	}
	return rows
}

func (k *BalanceKernel) lineRows(net *adapter.Network, flow []float64, res *Result) map[string]domain.ResultRow {
	rows := make(map[string]domain.ResultRow, len(net.Lines))
	for i, l := range net.Lines {
		loading := math.Abs(flow[i]) / lineRatingMW(l.StdType) * 100.0
		if loading > 100.0 {
			res.Errors = append(res.Errors, domain.Diagnostic{
				Kind:     domain.DiagCalculation,
				Severity: domain.SeverityWarning,
				Message:  fmt.Sprintf("line %s is overloaded at %.1f%%", l.Name, loading),
			})
		}
		rows[strconv.Itoa(i)] = domain.ResultRow{
			"p_from_mw":       flow[i],
			"p_to_mw":         -flow[i],
			"loading_percent": loading,
		}
	}
	return rows
}

func (k *BalanceKernel) trafoRows(net *adapter.Network, flow []float64, res *Result) map[string]domain.ResultRow {
	rows := make(map[string]domain.ResultRow, len(net.Transformers))
	for i, t := range net.Transformers {
		rating := t.SnMVA
		if rating <= 0 {
			rating = 0.25
		}
		loading := math.Abs(flow[i]) / rating * 100.0
		if loading > 100.0 {
			res.Errors = append(res.Errors, domain.Diagnostic{
				Kind:     domain.DiagCalculation,
				Severity: domain.SeverityWarning,
				Message:  fmt.Sprintf("transformer %s is overloaded at %.1f%%", t.Name, loading),
			})
		}
		rows[strconv.Itoa(i)] = domain.ResultRow{
			"p_hv_mw":         flow[i],
			"p_lv_mw":         -flow[i],
			"loading_percent": loading,
		}
	}
	return rows
}

func (k *BalanceKernel) switchRows(net *adapter.Network) map[string]domain.ResultRow {
	rows := make(map[string]domain.ResultRow, len(net.Switches))
	for i, s := range net.Switches {
		closed := 0.0
		if s.Closed {
			closed = 1.0
		}
		rows[strconv.Itoa(i)] = domain.ResultRow{"closed": closed}
	}
	return rows
}

func (k *BalanceKernel) generatorRows(net *adapter.Network) map[string]domain.ResultRow {
	rows := make(map[string]domain.ResultRow, len(net.Generators))
	for i, g := range net.Generators {
		p := 0.0
		if g.InService {
			p = g.PMW
		}
		rows[strconv.Itoa(i)] = domain.ResultRow{
			"p_mw": p, "q_mvar": 0.0, "vm_pu": g.VmPU,
		}
	}
	return rows
}

func (k *BalanceKernel) loadRows(net *adapter.Network) map[string]domain.ResultRow {
	rows := make(map[string]domain.ResultRow, len(net.Loads))
	for i, l := range net.Loads {
		p := 0.0
		if l.InService {
			p = l.PMW
		}
		rows[strconv.Itoa(i)] = domain.ResultRow{"p_mw": p, "q_mvar": l.QMVar}
	}
	return rows
}

func (k *BalanceKernel) storageRows(net *adapter.Network) map[string]domain.ResultRow {
	rows := make(map[string]domain.ResultRow, len(net.Storages))
	for i, s := range net.Storages {
		p := 0.0
		if s.InService {
			p = s.PMW
		}
		rows[strconv.Itoa(i)] = domain.ResultRow{"p_mw": p, "q_mvar": 0.0}
	}
	return rows
}

func (k *BalanceKernel) extGridRows(net *adapter.Network, subtree []float64, slackBus int) map[string]domain.ResultRow {
	rows := make(map[string]domain.ResultRow, len(net.ExtGrids))
	for i, e := range net.ExtGrids {
		p := 0.0
		if e.Bus == slackBus {
			p = subtree[slackBus]
		}
		rows[strconv.Itoa(i)] = domain.ResultRow{"p_mw": p, "q_mvar": 0.0}
	}
	return rows
}

// lineRatingMW maps a cable standard type to a rough thermal limit.
func lineRatingMW(stdType string) float64 {
	switch stdType {
	case "NAYY 4x50 SE":
		return 0.1
	case "NAYY 4x120 SE":
		return 0.17
	case "NAYY 4x150 SE":
		return 0.19
	default:
		return 0.1
	}
}
