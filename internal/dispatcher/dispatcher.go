// Package dispatcher implements C6: the stateless router from an incoming
// request to the zone that owns its name, plus the single-zone-sparse
// barrier-message simulation the original source needs because a lone zone
// has nobody to send itself an asynchronous barrier message.
//
// Grounded on dispatch_index_request/dispatch_index_zone_request and
// simulate_index_zone_barrier_message in the original source. Barrier
// synthesis is deduplicated with golang.org/x/sync/singleflight, the same
// library the teacher's pkg/loader.go uses to collapse concurrent identical
// loads into one.
package dispatcher

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Voskan/dedupindex/internal/errs"
	"github.com/Voskan/dedupindex/internal/geometry"
	"github.com/Voskan/dedupindex/internal/types"
	"github.com/Voskan/dedupindex/internal/zone"
)

// Dispatcher routes requests to zones. It holds no per-request state of its
// own; all state lives in the zones it fans out to.
type Dispatcher struct {
	zones  []*zone.Zone
	geo    geometry.Geometry
	logger *zap.Logger

	barrierGroup singleflight.Group
}

// New constructs a Dispatcher over a fixed set of zones, one per
// types.Request.ZoneNumber value 0..len(zones)-1.
func New(zones []*zone.Zone, geo geometry.Geometry, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{zones: zones, geo: geo, logger: logger}
}

// ZoneCount reports how many zones this dispatcher fans out to.
func (d *Dispatcher) ZoneCount() int { return len(d.zones) }

// Zone returns the zone owning the given zone number, for callers (the
// statemachine, replay) that need to act on a zone directly rather than
// through a request.
func (d *Dispatcher) Zone(n int) *zone.Zone { return d.zones[n] }

// Dispatch routes req to the zone selected by its name, first synthesizing a
// barrier message if this is a single-zone sparse configuration, the request
// was not requeued, and the name triages as a sparse sample, matching
// simulate_index_zone_barrier_message's gate: with more than one zone, a
// real barrier message would have already been fanned out by the triage
// queue ahead of the real request, so this path only fires when there is no
// second zone to do that; a requeued request has already passed through
// that gate once and must not trigger it again.
func (d *Dispatcher) Dispatch(req *types.Request) error {
	if len(d.zones) == 0 {
		return errs.New(errs.BadState, "dispatcher: no zones configured")
	}
	zoneID := req.Name.ZoneSelector(len(d.zones))
	req.ZoneNumber = zoneID
	z := d.zones[zoneID]

	if len(d.zones) == 1 && d.geo.IsSparse() && !req.Requeued {
		if err := d.simulateBarrier(z, req); err != nil {
			return fmt.Errorf("dispatcher: simulate barrier: %w", err)
		}
	}

	if err := z.Dispatch(req); err != nil {
		return fmt.Errorf("dispatcher: zone %d: %w", zoneID, err)
	}
	return nil
}

// simulateBarrier primes the zone's sparse cache for the chapter a sample
// name's master index hint points at, deduplicating concurrent primes of the
// same chapter across goroutines via singleflight, the same role the real
// barrier queue plays across zones.
func (d *Dispatcher) simulateBarrier(z *zone.Zone, req *types.Request) error {
	vcn, found, isSample := z.TriageName(req.Name)
	if !found || !isSample {
		return nil
	}
	if !z.IsSparseChapter(vcn) {
		return nil
	}

	key := fmt.Sprintf("%d:%d", z.ID(), vcn)
	_, err, _ := d.barrierGroup.Do(key, func() (any, error) {
		return nil, z.PrimeSparseChapter(vcn)
	})
	return err
}

// AdvanceActiveChapters advances every zone's open chapter to nextVCN,
// mirroring advance_active_chapters fanning the rotation out across zones.
func (d *Dispatcher) AdvanceActiveChapters(nextVCN uint64) {
	for _, z := range d.zones {
		z.AdvanceActiveChapters(nextVCN)
	}
}
