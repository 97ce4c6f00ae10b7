// Package rules enforces electrical topology legality on every connection edit.
package rules

import (
	"fmt"

	"github.com/gridfold/go-gridsim/internal/domain"
	"github.com/rs/zerolog"
)

// InvalidTopologyError is returned when a proposed connection would violate
// an electrical topology rule. The topology is left unchanged.
type InvalidTopologyError struct {
	Reason string
}

// Error implements the error interface.
func (e *InvalidTopologyError) Error() string {
	return fmt.Sprintf("invalid topology: %s", e.Reason)
}

func invalid(format string, args ...interface{}) error {
	return &InvalidTopologyError{Reason: fmt.Sprintf(format, args...)}
}

// Service validates proposed connections against the per-kind degree and port
// rules and, on success, applies the resolved-endpoint property writes and
// commits the connection. All checks for both endpoints run before any
// mutation, so a rejected edit leaves the graph untouched.
type Service struct {
	logger zerolog.Logger
}

// NewService creates a connection rules service.
func NewService(logger zerolog.Logger) *Service {
	return &Service{
		logger: logger.With().Str("component", "rules").Logger(),
	}
}

// EnforceAndApply validates the candidate connection symmetrically for both
// endpoints, plans the bounded property writes, and only then mutates the
// topology: property writes first, then the connection commit.
func (s *Service) EnforceAndApply(topo *domain.Topology, conn *domain.Connection, src, tgt *domain.Device) error {
	if src == nil || tgt == nil || conn == nil {
		return invalid("connection endpoints must be provided")
	}
	if src.Kind == domain.KindBus && tgt.Kind == domain.KindBus {
		return invalid("bus-to-bus connection is not allowed")
	}

	if err := s.validatePair(topo, src, tgt, conn, true); err != nil {
		return err
	}
	if err := s.validatePair(topo, tgt, src, conn, false); err != nil {
		return err
	}

	plan := newWritePlan()
	if err := s.planEndpointWrites(topo, src, tgt, conn, true, plan); err != nil {
		return err
	}
	if err := s.planEndpointWrites(topo, tgt, src, conn, false, plan); err != nil {
		return err
	}

	plan.apply()
	if err := topo.Commit(conn); err != nil {
		return invalid("%v", err)
	}

	s.logger.Debug().
		Str("connection_id", conn.ID).
		Str("source", src.ID).
		Str("target", tgt.ID).
		Msg("Connection accepted")
	return nil
}

// validatePair checks the rules for device a connecting to device b.
func (s *Service) validatePair(topo *domain.Topology, a, b *domain.Device, conn *domain.Connection, isSrc bool) error {
	at, bt := a.Kind, b.Kind

	// Two connections from the same device may not land on the same port of
	// the peer.
	bPortKey := "target_port"
	portKey := "source_port"
	if !isSrc {
		bPortKey = "source_port"
		portKey = "target_port"
	}
	if bPort, ok := conn.Properties.Int(bPortKey); ok {
		if hasConnectionToPort(topo, a.ID, b.ID, bPort) {
			return invalid("device cannot connect multiple ports to the same target port")
		}
	}

	if at.IsPowerDevice() {
		if bt != domain.KindBus && bt != domain.KindMeter {
			return invalid("power device can only connect to bus or meter")
		}
		if bt == domain.KindBus && countAdjacentKind(topo, a.ID, domain.KindBus) >= 1 {
			return invalid("power device can only connect to one bus")
		}
		if bt == domain.KindMeter && countAdjacentKind(topo, a.ID, domain.KindMeter) >= 1 {
			return invalid("power device can only connect to one meter")
		}
	}

	if at == domain.KindLine || at == domain.KindTransformer {
		if bt != domain.KindBus && bt != domain.KindSwitch && bt != domain.KindMeter {
			return invalid("%s endpoint must connect to bus, switch or meter", kindWord(at))
		}
		if bt != domain.KindMeter {
			if countNonMeter(topo, a.ID) >= 2 {
				return invalid("%s endpoints already occupied", kindWord(at))
			}
			if bt == domain.KindSwitch && countAdjacentKind(topo, a.ID, domain.KindSwitch) >= 1 {
				return invalid("%s cannot connect to switches on both ends", kindWord(at))
			}
			if port, ok := conn.Properties.Int(portKey); ok {
				if portHasNonMeter(topo, a.ID, port) {
					return invalid("%s endpoint already connected on this port", kindWord(at))
				}
			}
		}
	}

	if at == domain.KindSwitch {
		allowed := bt == domain.KindBus || bt == domain.KindLine ||
			bt == domain.KindTransformer || bt == domain.KindMeter
		if !allowed {
			return invalid("switch can only connect to bus, line, transformer or meter")
		}
		if bt == domain.KindLine || bt == domain.KindTransformer {
			// A switch bridges one electrical element to one bus; a second
			// element is only legal once the bus side exists.
			if countNonMeterNonBus(topo, a.ID) >= 1 && countAdjacentKind(topo, a.ID, domain.KindBus) == 0 {
				return invalid("switch second non-bus end must be bus")
			}
		}
	}

	if at == domain.KindMeter {
		if bt == domain.KindMeter {
			return invalid("meter connection target not allowed")
		}
		if len(topo.Adjacent(a.ID)) >= 1 {
			return invalid("meter can only have one connection")
		}
		if (bt == domain.KindLine || bt == domain.KindTransformer) &&
			countAdjacentKind(topo, b.ID, domain.KindMeter) >= 2 {
			return invalid("%s endpoints allow at most one meter each", kindWord(bt))
		}
	}

	return nil
}

// planEndpointWrites stages the resolved-endpoint property writes for device
// a connecting to device b, failing on any re-assignment conflict before
// anything is written.
func (s *Service) planEndpointWrites(topo *domain.Topology, a, b *domain.Device, conn *domain.Connection, isSrc bool, plan *writePlan) error {
	at, bt := a.Kind, b.Kind
	portKey := "source_port"
	if !isSrc {
		portKey = "target_port"
	}

	if (at == domain.KindLine || at == domain.KindTransformer) && bt == domain.KindBus {
		slot0, slot1 := endpointSlots(at)
		port, hasPort := conn.Properties.Int(portKey)
		switch {
		case hasPort && port == 0:
			return plan.set(a, slot0, b.ID, kindWord(at))
		case hasPort && port == 1:
			return plan.set(a, slot1, b.ID, kindWord(at))
		default:
			return plan.setFirstUnset(a, slot0, slot1, b.ID,
				invalid("%s bus endpoints are already set", kindWord(at)))
		}
	}

	if at == domain.KindSwitch && (bt == domain.KindLine || bt == domain.KindTransformer) {
		et := "l"
		if bt == domain.KindTransformer {
			et = "t"
		}
		plan.force(a, "et", et)
		plan.force(a, "element", b.ID)
		// Propagate the switch's bus, if already known, onto the element's
		// first unset endpoint so the bridged element resolves to that bus.
		if busID, ok := switchBusNeighbor(topo, a.ID); ok {
			slot0, slot1 := endpointSlots(bt)
			plan.setFirstUnsetQuiet(b, slot0, slot1, busID)
		}
	}

	if at == domain.KindSwitch && bt == domain.KindBus {
		plan.force(a, "bus", b.ID)
	}

	return nil
}

// endpointSlots names the two resolved-endpoint properties for a two-port kind.
func endpointSlots(k domain.DeviceKind) (string, string) {
	if k == domain.KindTransformer {
		return "hv_bus", "lv_bus"
	}
	return "from_bus", "to_bus"
}

func kindWord(k domain.DeviceKind) string {
	switch k {
	case domain.KindLine:
		return "line"
	case domain.KindTransformer:
		return "transformer"
	default:
		return "device"
	}
}

// writePlan stages property writes so that conflicts are detected before any
// device is mutated.
type writePlan struct {
	writes []stagedWrite
	staged map[string]map[string]string
}

type stagedWrite struct {
	device *domain.Device
	key    string
	value  string
}

func newWritePlan() *writePlan {
	return &writePlan{staged: make(map[string]map[string]string)}
}

// current returns the effective value of a property, preferring staged writes.
func (p *writePlan) current(d *domain.Device, key string) string {
	if staged, ok := p.staged[d.ID][key]; ok {
		return staged
	}
	return d.Properties.String(key, "")
}

func (p *writePlan) stage(d *domain.Device, key, value string) {
	p.writes = append(p.writes, stagedWrite{device: d, key: key, value: value})
	if p.staged[d.ID] == nil {
		p.staged[d.ID] = make(map[string]string)
	}
	p.staged[d.ID][key] = value
}

// set stages a write, rejecting a re-assignment to a different value.
func (p *writePlan) set(d *domain.Device, key, value, word string) error {
	if existing := p.current(d, key); existing != "" && existing != value {
		return invalid("%s %s already set", word, key)
	}
	p.stage(d, key, value)
	return nil
}

// setFirstUnset stages the value into the first unset slot, or fails with
// full when both are taken.
func (p *writePlan) setFirstUnset(d *domain.Device, slot0, slot1, value string, full error) error {
	if p.current(d, slot0) == "" {
		p.stage(d, slot0, value)
		return nil
	}
	if p.current(d, slot1) == "" {
		p.stage(d, slot1, value)
		return nil
	}
	return full
}

// setFirstUnsetQuiet is setFirstUnset without an error when both slots are
// taken; used for advisory propagation writes.
func (p *writePlan) setFirstUnsetQuiet(d *domain.Device, slot0, slot1, value string) {
	if p.current(d, slot0) == "" {
		p.stage(d, slot0, value)
	} else if p.current(d, slot1) == "" {
		p.stage(d, slot1, value)
	}
}

// force stages an unconditional write.
func (p *writePlan) force(d *domain.Device, key, value string) {
	p.stage(d, key, value)
}

func (p *writePlan) apply() {
	for _, w := range p.writes {
		w.device.Properties[w.key] = w.value
	}
}

// --- adjacency helpers ---

func adjacentPeerKinds(topo *domain.Topology, deviceID string) []domain.DeviceKind {
	var kinds []domain.DeviceKind
	for _, c := range topo.Adjacent(deviceID) {
		peerID, _ := c.Peer(deviceID)
		if peer, ok := topo.Device(peerID); ok {
			kinds = append(kinds, peer.Kind)
		}
	}
	return kinds
}

func countAdjacentKind(topo *domain.Topology, deviceID string, kind domain.DeviceKind) int {
	n := 0
	for _, k := range adjacentPeerKinds(topo, deviceID) {
		if k == kind {
			n++
		}
	}
	return n
}

func countNonMeter(topo *domain.Topology, deviceID string) int {
	n := 0
	for _, k := range adjacentPeerKinds(topo, deviceID) {
		if k != domain.KindMeter {
			n++
		}
	}
	return n
}

func countNonMeterNonBus(topo *domain.Topology, deviceID string) int {
	n := 0
	for _, k := range adjacentPeerKinds(topo, deviceID) {
		if k != domain.KindMeter && k != domain.KindBus {
			n++
		}
	}
	return n
}

// switchBusNeighbor returns the id of the first bus adjacent to the switch.
func switchBusNeighbor(topo *domain.Topology, switchID string) (string, bool) {
	for _, c := range topo.Adjacent(switchID) {
		peerID, _ := c.Peer(switchID)
		if peer, ok := topo.Device(peerID); ok && peer.Kind == domain.KindBus {
			return peer.ID, true
		}
	}
	return "", false
}

// portHasNonMeter reports whether the given port of the device already holds
// a non-meter neighbor, judged from the port metadata on existing connections.
func portHasNonMeter(topo *domain.Topology, deviceID string, port int) bool {
	for _, c := range topo.Adjacent(deviceID) {
		var connPort int
		var ok bool
		if c.SourceID == deviceID {
			connPort, ok = c.SourcePort()
		} else {
			connPort, ok = c.TargetPort()
		}
		if !ok || connPort != port {
			continue
		}
		peerID, _ := c.Peer(deviceID)
		if peer, found := topo.Device(peerID); found && peer.Kind != domain.KindMeter {
			return true
		}
	}
	return false
}

// hasConnectionToPort reports whether device a already connects to the given
// port of device b.
func hasConnectionToPort(topo *domain.Topology, aID, bID string, bPort int) bool {
	for _, c := range topo.Adjacent(aID) {
		peerID, _ := c.Peer(aID)
		if peerID != bID {
			continue
		}
		var port int
		var ok bool
		if c.SourceID == bID {
			port, ok = c.SourcePort()
		} else {
			port, ok = c.TargetPort()
		}
		if ok && port == bPort {
			return true
		}
	}
	return false
}
