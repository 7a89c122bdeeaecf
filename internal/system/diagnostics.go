package system

import (
	"context"
	"time"

	"github.com/l1jgo/ghostnet/internal/core/event"
	coresys "github.com/l1jgo/ghostnet/internal/core/system"
	"github.com/l1jgo/ghostnet/internal/persist"
	"github.com/l1jgo/ghostnet/internal/replication"
	"github.com/l1jgo/ghostnet/internal/tick"
	"go.uber.org/zap"
)

// DiagnosticsSink stores flushed batches. *persist.DiagnosticsRepo implements it.
type DiagnosticsSink interface {
	WriteBatch(ctx context.Context, session int64, b *persist.Batch) error
}

// EventRecorder appends structured events to a replay bundle.
type EventRecorder interface {
	AppendEvent(t tick.Tick, typ string, v any) error
}

// DiagnosticsTotals counts every diagnostic seen since start.
type DiagnosticsTotals struct {
	Rollbacks      uint64
	DecodeFailures uint64
	CapacityDrops  uint64
	SchemaRejects  uint64
	Mispredictions uint64
	NetSamples     uint64
	Flushes        uint64
	FlushErrors    uint64
}

// DiagnosticsSystem collects netcode events into batches and flushes them
// every interval ticks. Sink and recorder are both optional.
type DiagnosticsSystem struct {
	sink     DiagnosticsSink
	session  int64
	recorder EventRecorder
	now      func() tick.Tick
	log      *zap.Logger

	interval  int
	tickCount int
	batch     persist.Batch
	totals    DiagnosticsTotals
}

func NewDiagnosticsSystem(bus *event.Bus, sink DiagnosticsSink, session int64, recorder EventRecorder, now func() tick.Tick, intervalTicks int, log *zap.Logger) *DiagnosticsSystem {
	if intervalTicks <= 0 {
		intervalTicks = 60
	}
	s := &DiagnosticsSystem{
		sink:     sink,
		session:  session,
		recorder: recorder,
		now:      now,
		log:      log,
		interval: intervalTicks,
	}
	event.Subscribe(bus, s.onRollback)
	event.Subscribe(bus, s.onDecodeFailed)
	event.Subscribe(bus, s.onCapacity)
	event.Subscribe(bus, s.onSchemaRejected)
	event.Subscribe(bus, s.onMisprediction)
	return s
}

func (s *DiagnosticsSystem) Phase() coresys.Phase { return coresys.PhaseDiagnostics }

func (s *DiagnosticsSystem) Update(_ time.Duration) {
	s.tickCount++
	if s.tickCount < s.interval {
		return
	}
	s.tickCount = 0
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		s.log.Error("diagnostics flush failed", zap.Error(err))
	}
}

// Totals returns the cumulative counters.
func (s *DiagnosticsSystem) Totals() DiagnosticsTotals { return s.totals }

// Pending returns rows not yet flushed.
func (s *DiagnosticsSystem) Pending() int { return s.batch.Len() }

// AddNetStats samples one built packet.
func (s *DiagnosticsSystem) AddNetStats(conn int32, st replication.PacketStats, rtt time.Duration) {
	if !st.Tick.IsValid() {
		return
	}
	s.totals.NetSamples++
	s.batch.NetStats = append(s.batch.NetStats, persist.NetStatsRow{
		Connection: conn,
		Tick:       st.Tick.Value(),
		Bytes:      int32(st.Bytes),
		Ghosts:     int32(st.Ghosts),
		Deferred:   int32(st.Deferred),
		RTTMillis:  float32(rtt) / float32(time.Millisecond),
	})
}

// Flush writes the pending batch. Without a sink the batch is discarded. A
// failed write keeps the rows for the next attempt.
func (s *DiagnosticsSystem) Flush(ctx context.Context) error {
	if s.batch.Len() == 0 {
		return nil
	}
	if s.sink == nil {
		s.batch.Reset()
		return nil
	}
	if err := s.sink.WriteBatch(ctx, s.session, &s.batch); err != nil {
		s.totals.FlushErrors++
		return err
	}
	s.totals.Flushes++
	s.batch.Reset()
	return nil
}

func (s *DiagnosticsSystem) record(typ string, v any) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.AppendEvent(s.now(), typ, v); err != nil {
		s.log.Debug("replay event dropped", zap.String("type", typ), zap.Error(err))
	}
}

func (s *DiagnosticsSystem) onRollback(e event.LargeRollback) {
	s.totals.Rollbacks++
	s.batch.Rollbacks = append(s.batch.Rollbacks, persist.RollbackRow{
		Connection: e.Connection,
		OldTick:    e.Old.Value(),
		NewTick:    e.New.Value(),
		Delta:      e.Delta,
	})
	s.record("large_rollback", e)
}

func (s *DiagnosticsSystem) onDecodeFailed(e event.GhostDecodeFailed) {
	s.totals.DecodeFailures++
	var t uint32
	if e.Tick.IsValid() {
		t = e.Tick.Value()
	}
	s.batch.DecodeFailures = append(s.batch.DecodeFailures, persist.DecodeFailureRow{NetID: e.NetID, Tick: t, Reason: e.Reason})
	s.record("decode_failed", e)
}

func (s *DiagnosticsSystem) onCapacity(e event.CapacityExceeded) {
	s.totals.CapacityDrops++
	s.log.Warn("ghost exceeded snapshot capacity", zap.Uint32("net_id", e.NetID), zap.Int("need", e.Need), zap.Int("cap", e.Cap))
	s.record("capacity_exceeded", e)
}

func (s *DiagnosticsSystem) onSchemaRejected(e event.SchemaRejected) {
	s.totals.SchemaRejects++
	s.record("schema_rejected", e)
}

func (s *DiagnosticsSystem) onMisprediction(e event.Misprediction) {
	s.totals.Mispredictions++
	s.record("misprediction", e)
}
