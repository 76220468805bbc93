// Package poll runs the supervisor's acquisition loop. Each cycle walks
// the active devices concurrently; within a device the pending writes are
// drained first, then every active tag is read, decoded, committed and
// handed to the history sampler and the alarm evaluator. A device whose
// transport fails mid-cycle is abandoned until its session backs off and
// reconnects.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gridline/fieldbus/internal/alarm"
	"github.com/gridline/fieldbus/internal/cache"
	"github.com/gridline/fieldbus/internal/codec"
	"github.com/gridline/fieldbus/internal/events"
	"github.com/gridline/fieldbus/internal/history"
	"github.com/gridline/fieldbus/internal/model"
	"github.com/gridline/fieldbus/internal/session"
	"github.com/gridline/fieldbus/internal/transport"
)

// Store is the persistence surface the engine needs.
type Store interface {
	ActiveDevices(ctx context.Context) ([]model.Device, error)
	ActiveTags(ctx context.Context, deviceID int64) ([]model.Tag, error)
	PendingWrites(ctx context.Context, deviceID int64) ([]model.WriteRequest, error)
	CompleteWrite(ctx context.Context, id int64, note string) error
	CommitTagValue(ctx context.Context, tagID int64, v model.Value, at time.Time) error
}

// Sampler receives each cycle's observations for history recording.
type Sampler interface {
	Sample(ctx context.Context, obs []history.Observation, now time.Time) error
}

// Alarms receives each cycle's observations for alarm reconciliation.
type Alarms interface {
	Evaluate(ctx context.Context, obs []alarm.Observation, now time.Time) error
}

// Engine drives the poll loop.
type Engine struct {
	store    Store
	sessions *session.Manager
	cache    *cache.TagCache
	bus      events.Bus
	sampler  Sampler
	alarms   Alarms
	metrics  *Metrics

	interval time.Duration
}

// New assembles an engine. Metrics may be nil in tests.
func New(store Store, sessions *session.Manager, c *cache.TagCache, bus events.Bus,
	sampler Sampler, alarms Alarms, metrics *Metrics, interval time.Duration) *Engine {
	return &Engine{
		store:    store,
		sessions: sessions,
		cache:    c,
		bus:      bus,
		sampler:  sampler,
		alarms:   alarms,
		metrics:  metrics,
		interval: interval,
	}
}

// Run executes cycles at the configured interval until the context ends.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	slog.Info("poll engine started", "interval", e.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("poll engine stopped")
			return
		case <-ticker.C:
			e.Cycle(ctx, time.Now())
		}
	}
}

// Cycle polls every active device once. Devices run concurrently; tags
// within a device stay strictly sequential on the single connection.
func (e *Engine) Cycle(ctx context.Context, now time.Time) {
	start := time.Now()

	devices, err := e.store.ActiveDevices(ctx)
	if err != nil {
		slog.Error("load devices", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, dev := range devices {
		dev := dev
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.pollDevice(ctx, dev, now)
		}()
	}
	wg.Wait()

	if e.metrics != nil {
		e.metrics.Cycles.Inc()
		e.metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}
}

func (e *Engine) pollDevice(ctx context.Context, dev model.Device, now time.Time) {
	sess := e.sessions.Get(dev)
	if !sess.Acquire() {
		return
	}
	defer sess.Release()

	if err := sess.Ensure(now); err != nil {
		if e.metrics != nil {
			e.metrics.setDeviceUp(dev.Alias, false)
		}
		return
	}
	if e.metrics != nil {
		e.metrics.setDeviceUp(dev.Alias, true)
	}

	if !e.drainWrites(ctx, dev, sess, now) {
		return
	}
	e.readTags(ctx, dev, sess, now)
}

// drainWrites delivers the device's queued writes oldest first. Encode
// failures and Modbus exceptions consume the request with an error note;
// a transport failure fails the session and aborts the device's cycle.
func (e *Engine) drainWrites(ctx context.Context, dev model.Device, sess *session.Session, now time.Time) bool {
	writes, err := e.store.PendingWrites(ctx, dev.ID)
	if err != nil {
		slog.Error("load pending writes", "device", dev.Alias, "error", err)
		return true
	}

	for _, w := range writes {
		permanent, err := e.deliverWrite(sess.Transport(), dev, w)
		switch {
		case err == nil:
			e.completeWrite(ctx, w.ID, "")
			if e.metrics != nil {
				e.metrics.WritesDelivered.WithLabelValues(dev.Alias).Inc()
			}
		case permanent:
			slog.Warn("write request rejected",
				"device", dev.Alias, "tag", w.Tag.Alias, "error", err)
			e.completeWrite(ctx, w.ID, err.Error())
			if e.metrics != nil {
				e.metrics.WritesRejected.WithLabelValues(dev.Alias, rejectReason(err)).Inc()
			}
		default:
			sess.Fail(now, err)
			return false
		}
	}
	return true
}

// deliverWrite encodes and transmits one queued write. permanent reports
// that the request can never succeed and must be consumed.
func (e *Engine) deliverWrite(tr transport.Transport, dev model.Device, w model.WriteRequest) (permanent bool, err error) {
	t := w.Tag
	if !t.Writable() {
		return true, errors.New("tag channel is not writable")
	}

	if t.Channel.Bit() {
		bits, err := codec.EncodeBits(w.Value, t.ReadAmount)
		if err != nil {
			return true, err
		}
		err = tr.WriteCoils(t.Address, bits, t.UnitID)
		return writeOutcome(err)
	}

	regs, err := codec.EncodeRegisters(w.Value, t.DataType, dev.WordOrder, t.ReadAmount)
	if err != nil {
		return true, err
	}
	return writeOutcome(tr.WriteRegisters(t.Address, regs, t.UnitID))
}

// writeOutcome classifies a transport write error. A Modbus exception is
// the device refusing the request, so retrying is pointless; anything
// else is a connection problem.
func writeOutcome(err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	var exc *transport.ExceptionError
	if errors.As(err, &exc) {
		return true, err
	}
	return false, err
}

func rejectReason(err error) string {
	var exc *transport.ExceptionError
	if errors.As(err, &exc) {
		return "exception"
	}
	return "encode"
}

func (e *Engine) completeWrite(ctx context.Context, id int64, note string) {
	if err := e.store.CompleteWrite(ctx, id, note); err != nil {
		slog.Error("complete write", "write", id, "error", err)
	}
}

func (e *Engine) readTags(ctx context.Context, dev model.Device, sess *session.Session, now time.Time) {
	tags, err := e.store.ActiveTags(ctx, dev.ID)
	if err != nil {
		slog.Error("load tags", "device", dev.Alias, "error", err)
		return
	}

	var (
		histObs  []history.Observation
		alarmObs []alarm.Observation
	)
	for i := range tags {
		t := &tags[i]
		count, err := t.ReadCount()
		if err != nil {
			slog.Warn("unreadable tag", "device", dev.Alias, "tag", t.Alias, "error", err)
			continue
		}

		if e.metrics != nil {
			e.metrics.TagReads.WithLabelValues(dev.Alias).Inc()
		}
		resp, err := sess.Transport().Read(t.Channel, t.Address, count, t.UnitID)
		if err != nil {
			var exc *transport.ExceptionError
			if errors.As(err, &exc) {
				// The device answered; only this tag's address is bad.
				slog.Warn("tag read rejected", "device", dev.Alias, "tag", t.Alias, "error", err)
				e.readError(dev, "exception")
				continue
			}
			e.readError(dev, "transport")
			sess.Fail(now, err)
			return
		}

		var v model.Value
		if t.Channel.Bit() {
			v = codec.DecodeBits(resp.Bits, t.ReadAmount)
		} else {
			v, err = codec.DecodeRegisters(resp.Registers, t.DataType, dev.WordOrder, t.ReadAmount)
			if err != nil {
				// Keep the previous committed value on decode failure.
				slog.Warn("tag decode failed", "device", dev.Alias, "tag", t.Alias, "error", err)
				e.readError(dev, "decode")
				continue
			}
		}
		v = v.Unwrap()

		if err := e.store.CommitTagValue(ctx, t.ID, v, now); err != nil {
			slog.Error("commit tag value", "tag", t.Alias, "error", err)
			continue
		}
		e.cache.Set(t.ID, v, now)
		e.publishValue(ctx, t, v)

		histObs = append(histObs, history.Observation{Tag: t, Value: v})
		alarmObs = append(alarmObs, alarm.Observation{
			TagID:         t.ID,
			TagExternalID: t.ExternalID.String(),
			Value:         v,
		})
	}

	if err := e.sampler.Sample(ctx, histObs, now); err != nil {
		slog.Error("history sampling", "device", dev.Alias, "error", err)
	}
	if err := e.alarms.Evaluate(ctx, alarmObs, now); err != nil {
		slog.Error("alarm evaluation", "device", dev.Alias, "error", err)
	}
}

func (e *Engine) readError(dev model.Device, reason string) {
	if e.metrics != nil {
		e.metrics.ReadErrors.WithLabelValues(dev.Alias, reason).Inc()
	}
}

func (e *Engine) publishValue(ctx context.Context, t *model.Tag, v model.Value) {
	err := e.bus.Publish(ctx, &events.Event{
		Type:          events.EventTagValue,
		TagID:         t.ID,
		TagExternalID: t.ExternalID.String(),
		Value:         v,
	})
	if err != nil {
		slog.Error("publish tag value", "tag", t.Alias, "error", err)
	}
}
