// Package domain provides the core topology model and shared types for go-gridsim.
package domain

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// DeviceKind identifies the electrical role of a device.
type DeviceKind int

const (
	KindUnknown DeviceKind = iota
	KindBus
	KindLine
	KindTransformer
	KindSwitch
	KindLoad
	KindGenerator
	KindStorage
	KindCharger
	KindExternalGrid
	KindMeter
)

// String returns the string representation of the device kind.
func (k DeviceKind) String() string {
	switch k {
	case KindBus:
		return "Bus"
	case KindLine:
		return "Line"
	case KindTransformer:
		return "Transformer"
	case KindSwitch:
		return "Switch"
	case KindLoad:
		return "Load"
	case KindGenerator:
		return "Generator"
	case KindStorage:
		return "Storage"
	case KindCharger:
		return "Charger"
	case KindExternalGrid:
		return "ExternalGrid"
	case KindMeter:
		return "Meter"
	default:
		return "unknown"
	}
}

// ParseDeviceKind converts a kind name into a DeviceKind.
func ParseDeviceKind(s string) (DeviceKind, error) {
	kinds := []DeviceKind{
		KindBus, KindLine, KindTransformer, KindSwitch, KindLoad,
		KindGenerator, KindStorage, KindCharger, KindExternalGrid, KindMeter,
	}
	for _, k := range kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown device kind %q", s)
}

// Valid reports whether the kind is one of the known device kinds.
func (k DeviceKind) Valid() bool {
	return k > KindUnknown && k <= KindMeter
}

// IsPowerDevice reports whether the kind injects or draws power at a single bus.
func (k DeviceKind) IsPowerDevice() bool {
	switch k {
	case KindLoad, KindGenerator, KindStorage, KindCharger, KindExternalGrid:
		return true
	default:
		return false
	}
}

// IsTwoPort reports whether the kind has two electrical endpoints (port 0 and 1).
func (k DeviceKind) IsTwoPort() bool {
	return k == KindLine || k == KindTransformer || k == KindSwitch
}

// Properties is an open key/value bag of device or connection attributes.
// Values may arrive as float64, int, or string depending on the editor that
// produced them, so all numeric reads go through coercion.
type Properties map[string]interface{}

// Float returns the property coerced to float64 and whether it was present
// and coercible.
func (p Properties) Float(key string) (float64, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

// FirstFloat returns the first present, coercible value among keys.
func (p Properties) FirstFloat(keys ...string) (float64, bool) {
	for _, key := range keys {
		if f, ok := p.Float(key); ok {
			return f, true
		}
	}
	return 0, false
}

// String returns the property as a string, or the fallback when absent.
func (p Properties) String(key, fallback string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return fallback
	}
	s, err := cast.ToStringE(v)
	if err != nil || s == "" {
		return fallback
	}
	return s
}

// Int returns the property coerced to int and whether it was present.
func (p Properties) Int(key string) (int, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

// Clone returns a shallow copy of the property bag.
func (p Properties) Clone() Properties {
	if p == nil {
		return Properties{}
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// SortedKeys returns the property keys in lexical order.
func (p Properties) SortedKeys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Device is a node in the topology graph.
type Device struct {
	ID         string     `json:"id"`
	Kind       DeviceKind `json:"kind"`
	Name       string     `json:"name"`
	Properties Properties `json:"properties"`
}

// NewDevice creates a device with a generated id.
func NewDevice(kind DeviceKind, name string) *Device {
	return &Device{
		ID:         NewDeviceID(),
		Kind:       kind,
		Name:       name,
		Properties: Properties{},
	}
}

// Connection is an undirected electrical adjacency between two devices.
// It is immutable after creation except for the port metadata fixed at
// creation time.
type Connection struct {
	ID         string     `json:"id"`
	SourceID   string     `json:"source_device_id"`
	TargetID   string     `json:"target_device_id"`
	Properties Properties `json:"properties"`
}

// SourcePort returns the explicit source port index, if set.
func (c *Connection) SourcePort() (int, bool) {
	return c.Properties.Int("source_port")
}

// TargetPort returns the explicit target port index, if set.
func (c *Connection) TargetPort() (int, bool) {
	return c.Properties.Int("target_port")
}

// Peer returns the device id on the other side of the connection, and false
// when the given id is not an endpoint.
func (c *Connection) Peer(deviceID string) (string, bool) {
	switch deviceID {
	case c.SourceID:
		return c.TargetID, true
	case c.TargetID:
		return c.SourceID, true
	default:
		return "", false
	}
}

// NewDeviceID generates a unique device identifier.
func NewDeviceID() string {
	return uuid.NewString()
}

// NewConnectionID generates a unique connection identifier.
func NewConnectionID() string {
	return uuid.NewString()
}

// Topology is the canonical mutable graph of devices and connections.
// Connections are only added through the rules engine; the topology itself
// enforces referential integrity (every connection endpoint must reference
// an existing device).
type Topology struct {
	devices     map[string]*Device
	connections map[string]*Connection
	adjacency   map[string][]*Connection
	deviceOrder []string
	connOrder   []string
}

// NewTopology creates an empty topology.
func NewTopology() *Topology {
	return &Topology{
		devices:     make(map[string]*Device),
		connections: make(map[string]*Connection),
		adjacency:   make(map[string][]*Connection),
	}
}

// AddDevice inserts a device into the graph.
func (t *Topology) AddDevice(d *Device) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("device must have an id")
	}
	if _, exists := t.devices[d.ID]; exists {
		return fmt.Errorf("device %s already exists", d.ID)
	}
	if d.Properties == nil {
		d.Properties = Properties{}
	}
	t.devices[d.ID] = d
	t.deviceOrder = append(t.deviceOrder, d.ID)
	return nil
}

// RemoveDevice deletes a device and releases all of its connections.
func (t *Topology) RemoveDevice(id string) {
	if _, exists := t.devices[id]; !exists {
		return
	}
	adjacent := make([]*Connection, len(t.adjacency[id]))
	copy(adjacent, t.adjacency[id])
	for _, c := range adjacent {
		t.removeConnection(c.ID)
	}
	delete(t.devices, id)
	delete(t.adjacency, id)
	for i, did := range t.deviceOrder {
		if did == id {
			t.deviceOrder = append(t.deviceOrder[:i], t.deviceOrder[i+1:]...)
			break
		}
	}
}

// Device returns the device with the given id.
func (t *Topology) Device(id string) (*Device, bool) {
	d, ok := t.devices[id]
	return d, ok
}

// Devices returns all devices in insertion order.
func (t *Topology) Devices() []*Device {
	out := make([]*Device, 0, len(t.deviceOrder))
	for _, id := range t.deviceOrder {
		out = append(out, t.devices[id])
	}
	return out
}

// Connections returns all connections in insertion order.
func (t *Topology) Connections() []*Connection {
	out := make([]*Connection, 0, len(t.connOrder))
	for _, id := range t.connOrder {
		out = append(out, t.connections[id])
	}
	return out
}

// Adjacent returns the connections incident to the given device.
func (t *Topology) Adjacent(deviceID string) []*Connection {
	return t.adjacency[deviceID]
}

// Commit inserts a validated connection. The rules engine is the only
// component that should call this.
func (t *Topology) Commit(c *Connection) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("connection must have an id")
	}
	if _, exists := t.connections[c.ID]; exists {
		return fmt.Errorf("connection %s already exists", c.ID)
	}
	if _, ok := t.devices[c.SourceID]; !ok {
		return fmt.Errorf("connection %s references missing device %s", c.ID, c.SourceID)
	}
	if _, ok := t.devices[c.TargetID]; !ok {
		return fmt.Errorf("connection %s references missing device %s", c.ID, c.TargetID)
	}
	if c.Properties == nil {
		c.Properties = Properties{}
	}
	t.connections[c.ID] = c
	t.connOrder = append(t.connOrder, c.ID)
	t.adjacency[c.SourceID] = append(t.adjacency[c.SourceID], c)
	t.adjacency[c.TargetID] = append(t.adjacency[c.TargetID], c)
	return nil
}

// RemoveConnection deletes a connection from the graph.
func (t *Topology) RemoveConnection(id string) {
	t.removeConnection(id)
}

func (t *Topology) removeConnection(id string) {
	c, exists := t.connections[id]
	if !exists {
		return
	}
	delete(t.connections, id)
	for i, cid := range t.connOrder {
		if cid == id {
			t.connOrder = append(t.connOrder[:i], t.connOrder[i+1:]...)
			break
		}
	}
	for _, endpoint := range []string{c.SourceID, c.TargetID} {
		conns := t.adjacency[endpoint]
		for i, other := range conns {
			if other.ID == id {
				t.adjacency[endpoint] = append(conns[:i], conns[i+1:]...)
				break
			}
		}
	}
}

// Snapshot exports the topology as a flattened, serializable projection for
// the construction adapter. The snapshot shares no mutable state with the
// graph.
func (t *Topology) Snapshot() *Snapshot {
	snap := &Snapshot{
		Devices:     make(map[string]SnapshotDevice, len(t.devices)),
		Connections: make([]SnapshotConnection, 0, len(t.connOrder)),
	}
	for _, id := range t.deviceOrder {
		d := t.devices[id]
		snap.Devices[id] = SnapshotDevice{
			Kind:       d.Kind,
			Name:       d.Name,
			Properties: d.Properties.Clone(),
		}
	}
	for _, id := range t.connOrder {
		c := t.connections[id]
		snap.Connections = append(snap.Connections, SnapshotConnection{
			ID:         c.ID,
			From:       c.SourceID,
			To:         c.TargetID,
			Properties: c.Properties.Clone(),
		})
	}
	return snap
}
