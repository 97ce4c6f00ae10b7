package sim

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/gridfold/go-gridsim/internal/domain"
)

// operatingPointKeys are the time-varying setpoint properties excluded from
// the structural fingerprint, so that pure setpoint updates never invalidate
// the constructed network.
var operatingPointKeys = map[string]struct{}{
	"rated_power": {},
	"p_mw":        {},
	"q_mvar":      {},
	"p_kw":        {},
	"q_kvar":      {},
}

// fingerprint hashes the topology's shape: device kinds, names and
// non-power properties over sorted device ids, plus the full connection list
// in snapshot order.
func fingerprint(snap *domain.Snapshot) string {
	h := sha256.New()

	ids := make([]string, 0, len(snap.Devices))
	for id := range snap.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		dev := snap.Devices[id]
		fmt.Fprintf(h, "d|%s|%s|%s\n", id, dev.Kind, dev.Name)
		writeProperties(h, dev.Properties, true)
	}
	for _, conn := range snap.Connections {
		fmt.Fprintf(h, "c|%s|%s|%s\n", conn.ID, conn.From, conn.To)
		writeProperties(h, conn.Properties, false)
	}

	return hex.EncodeToString(h.Sum(nil))
}

func writeProperties(w io.Writer, props domain.Properties, stripOperatingPoint bool) {
	for _, key := range props.SortedKeys() {
		if stripOperatingPoint {
			if _, skip := operatingPointKeys[key]; skip {
				continue
			}
		}
		fmt.Fprintf(w, "p|%s|%v\n", key, props[key])
	}
}
