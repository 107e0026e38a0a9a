package sensors

import (
	"context"
	"time"

	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/meerkat-bl/bluse/kernel/portal"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// withSession runs f against the product's live session, or against a
// temporary one dialed from the stored cam_url and closed afterwards.
func (m *Manager) withSession(ctx context.Context, id model.ProductID, f func(portal.Session) error) error {
	if sub, ok := m.subs.Get(string(id)); ok {
		if session := sub.currentSession(); session != nil {
			return f(session)
		}
	}

	kvCtx, cancel := m.rpcContext(ctx)
	camURL, err := m.kv.Get(kvCtx, model.ProductKey(id, model.KeyCamURL))
	cancel()
	if err != nil {
		return model.NewCommandError(model.UnknownProduct, id, errors.Wrap(err, "reading cam_url"))
	}
	session, err := m.connect(ctx, id, camURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			pfxlog.ContextLogger(string(id)).WithError(err).Warn("error closing query session")
		}
	}()
	return f(session)
}

// QueryOnce resolves patterns to sensor names and fetches each value. An empty
// pattern list or no matching sensors yields an empty result and a warning.
// Sensors that cannot be read are skipped.
func (m *Manager) QueryOnce(ctx context.Context, id model.ProductID, patterns []string) (map[string]model.SensorSample, error) {
	log := pfxlog.ContextLogger(string(id))
	out := make(map[string]model.SensorSample)
	if len(patterns) == 0 {
		log.Warn("sensor list empty, nothing to query")
		return out, nil
	}

	err := m.withSession(ctx, id, func(session portal.Session) error {
		rpcCtx, cancel := m.rpcContext(ctx)
		started := time.Now()
		names, err := session.SensorNames(rpcCtx, patterns)
		m.metrics.ObservePortalCall("sensor_names", started)
		cancel()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			log.WithField("patterns", patterns).Warn("no matching sensors found")
			return nil
		}
		for _, name := range names {
			rpcCtx, cancel := m.rpcContext(ctx)
			started := time.Now()
			sample, err := session.SensorValue(rpcCtx, name)
			m.metrics.ObservePortalCall("sensor_value", started)
			cancel()
			if err != nil {
				log.WithField("sensor", name).WithError(err).Warn("could not read sensor, skipping")
				continue
			}
			out[name] = sample
		}
		return nil
	})
	return out, err
}

// QueryAndStore runs QueryOnce and persists every sample under
// "<product_id>:<sensor>". All writes are attempted.
func (m *Manager) QueryAndStore(ctx context.Context, id model.ProductID, patterns []string) error {
	samples, err := m.QueryOnce(ctx, id, patterns)
	if err != nil {
		return err
	}
	var errs error
	for name, sample := range samples {
		errs = multierr.Append(errs, m.storeSample(ctx, id, name, sample))
	}
	if errs != nil {
		return model.NewCommandError(model.StoreWriteFailed, id, errs)
	}
	pfxlog.ContextLogger(string(id)).Infof("stored %d queried sensor value(s) for [%s]", len(samples), id)
	return nil
}

// FetchScheduleBlocks replaces "<product_id>:schedule_blocks" with the ids
// of the blocks scheduled on the product's subarray.
func (m *Manager) FetchScheduleBlocks(ctx context.Context, id model.ProductID) error {
	var blocks []string
	err := m.withSession(ctx, id, func(session portal.Session) error {
		rpcCtx, cancel := m.rpcContext(ctx)
		defer cancel()
		started := time.Now()
		var err error
		blocks, err = session.ScheduleBlocks(rpcCtx)
		m.metrics.ObservePortalCall("schedule_blocks", started)
		return err
	})
	if err != nil {
		return err
	}
	kvCtx, cancel := m.rpcContext(ctx)
	defer cancel()
	if err := m.kv.ReplaceList(kvCtx, model.ProductKey(id, model.KeyScheduleBlocks), blocks); err != nil {
		return model.NewCommandError(model.StoreWriteFailed, id, err)
	}
	pfxlog.ContextLogger(string(id)).Infof("stored %d schedule block(s) for [%s]", len(blocks), id)
	return nil
}
