package agent

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/registry"
	"github.com/jbweber/sma/internal/status"
)

// ReconcileReport summarizes a Reconcile run.
type ReconcileReport struct {
	// Restored counts journal records put back in the registry.
	Restored int
	// Dropped counts journal records whose resources are gone.
	Dropped int
	// Recovered counts tagged target resources rebuilt without a record.
	Recovered int
	// Quarantined counts untagged target resources left alone.
	Quarantined int
}

// Reconcile rebuilds the registry from the journal and the target. It must
// run before the agent serves requests.
//
// Journal records are checked against the target: a ready device that is
// still present comes back ready, and a device caught mid-operation comes
// back in the error phase so it can be deleted. Records whose resources are
// gone are dropped. Tagged resources the journal does not know about are
// then rebuilt as ready devices; untagged ones are reported and never
// touched.
func (d *Dispatcher) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	if d.opts.Journal != nil {
		recs, err := d.opts.Journal.LoadDevices(ctx)
		if err != nil {
			return report, fmt.Errorf("failed to load journal: %w", err)
		}
		for _, rec := range recs {
			restored, err := d.restore(ctx, rec)
			if err != nil {
				return report, err
			}
			if restored {
				report.Restored++
			} else {
				report.Dropped++
			}
		}
	}

	found, err := d.discover(ctx)
	if err != nil {
		return report, err
	}
	for _, kind := range d.Kinds() {
		for _, res := range found[kind] {
			if res.Handle == "" {
				d.logger.Warn("quarantined unrecognized resource", "transport", kind, "name", res.Name)
				report.Quarantined++
				continue
			}
			if _, err := d.reg.Get(res.Handle); err == nil {
				continue
			}
			lease, err := d.reg.Insert(registry.Device{
				Handle:  res.Handle,
				Kind:    kind,
				Phase:   status.PhaseReady,
				Backend: res.State,
				Volumes: res.Volumes,
			})
			if err != nil {
				return report, fmt.Errorf("failed to recover %s: %w", res.Handle, err)
			}
			d.persist(ctx, lease.Device())
			lease.Release()
			d.logger.Info("device recovered from target", "handle", res.Handle, "transport", kind, "name", res.Name)
			report.Recovered++
		}
	}

	d.logger.Info("reconciliation complete",
		"restored", report.Restored, "dropped", report.Dropped,
		"recovered", report.Recovered, "quarantined", report.Quarantined)
	return report, nil
}

// restore re-inserts one journal record. It reports false when the record was
// dropped instead.
func (d *Dispatcher) restore(ctx context.Context, rec *registry.Device) (bool, error) {
	logger := d.logger.With("handle", rec.Handle, "transport", rec.Kind)

	p, ok := d.plugins[rec.Kind]
	if !ok {
		logger.Warn("no plugin for journal record, skipping")
		return false, nil
	}

	next := *rec
	desc, err := p.Describe(ctx, rec.Backend)
	switch {
	case err != nil:
		next.Phase = status.PhaseError
		next.Reason = fmt.Sprintf("could not verify backend after restart: %v", err)
		logger.Warn("could not describe journal record", "error", err)
	case !desc.Present:
		d.unpersist(ctx, rec.Handle)
		if rec.Phase != status.PhaseDeleting {
			logger.Warn("device missing on target, dropping record", "phase", rec.Phase)
		}
		return false, nil
	case rec.Phase != status.PhaseReady && rec.Phase != status.PhaseError:
		next.Phase = status.PhaseError
		next.Reason = fmt.Sprintf("interrupted while %s", rec.Phase)
	}

	lease, err := d.reg.Insert(next)
	if err != nil {
		return false, fmt.Errorf("failed to restore %s: %w", rec.Handle, err)
	}
	dev := lease.Device()
	lease.Release()
	if next.Phase != rec.Phase {
		d.persist(ctx, dev)
		logger.Warn("restored device needs cleanup", "phase", dev.Phase, "reason", dev.Reason)
	}
	d.keys.put(rec.IdempotencyKey, rec.Handle, rec.Fingerprint)
	return true, nil
}

// discover lists every Discoverer plugin's resources in parallel.
func (d *Dispatcher) discover(ctx context.Context) (map[device.Kind][]device.Discovered, error) {
	kinds := d.Kinds()
	results := make([][]device.Discovered, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		disc, ok := d.plugins[kind].(device.Discoverer)
		if !ok {
			continue
		}
		g.Go(func() error {
			found, err := disc.Discover(gctx)
			if err != nil {
				return device.Annotate(err, "discover", kind, "")
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[device.Kind][]device.Discovered, len(kinds))
	for i, kind := range kinds {
		out[kind] = results[i]
	}
	return out, nil
}
