package adapter

// Network is the solver-ready representation built by the Adapter. Element
// indices are positions in the per-category slices and stay stable for the
// lifetime of the network; the index maps in Result translate device ids to
// them.
type Network struct {
	Buses        []Bus
	Lines        []Line
	Transformers []Transformer
	Switches     []Switch
	Generators   []Generator
	Loads        []Load
	Storages     []Storage
	ExtGrids     []ExtGrid
}

// Bus is an electrical connection point at a fixed voltage level.
type Bus struct {
	Name string
	VnKV float64
}

// Line joins two buses with a cable of a given standard type and length.
type Line struct {
	Name     string
	FromBus  int
	ToBus    int
	LengthKM float64
	StdType  string
}

// Transformer joins a high-voltage bus to a low-voltage bus.
type Transformer struct {
	Name    string
	HVBus   int
	LVBus   int
	StdType string
	SnMVA   float64
	VnHvKV  float64
	VnLvKV  float64
}

// Switch connects a bus to another element. Et identifies the element kind:
// "b" for bus, "l" for line, "t" for transformer.
type Switch struct {
	Name    string
	Bus     int
	Element int
	Et      string
	Closed  bool
}

// Generator is a power source held at unit voltage.
type Generator struct {
	Name      string
	Bus       int
	PMW       float64
	VmPU      float64
	InService bool
}

// Load is a power consumer.
type Load struct {
	Name      string
	Bus       int
	PMW       float64
	QMVar     float64
	InService bool
}

// Storage is a battery; positive PMW charges, negative discharges.
type Storage struct {
	Name      string
	Bus       int
	PMW       float64
	MaxEMWh   float64
	MaxPMW    float64
	MinPMW    float64
	InService bool
}

// ExtGrid is the slack connection to the upstream grid.
type ExtGrid struct {
	Name string
	Bus  int
	VmPU float64
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{}
}

func (n *Network) AddBus(b Bus) int {
	n.Buses = append(n.Buses, b)
	return len(n.Buses) - 1
}

func (n *Network) AddLine(l Line) int {
	n.Lines = append(n.Lines, l)
	return len(n.Lines) - 1
}

func (n *Network) AddTransformer(t Transformer) int {
	n.Transformers = append(n.Transformers, t)
	return len(n.Transformers) - 1
}

func (n *Network) AddSwitch(s Switch) int {
	n.Switches = append(n.Switches, s)
	return len(n.Switches) - 1
}

func (n *Network) AddGenerator(g Generator) int {
	n.Generators = append(n.Generators, g)
	return len(n.Generators) - 1
}

func (n *Network) AddLoad(l Load) int {
	n.Loads = append(n.Loads, l)
	return len(n.Loads) - 1
}

func (n *Network) AddStorage(s Storage) int {
	n.Storages = append(n.Storages, s)
	return len(n.Storages) - 1
}

func (n *Network) AddExtGrid(e ExtGrid) int {
	n.ExtGrids = append(n.ExtGrids, e)
	return len(n.ExtGrids) - 1
}
