// Package prediction runs the client's predicted ghosts ahead of the server,
// compares every prediction with the authoritative snapshot for the same
// tick and resimulates from the server state when they disagree.
//
// Resimulation replays recorded inputs through a Simulator, so the
// simulator must be deterministic: the same state and input on the same tick
// must produce the same result on every peer.
package prediction

import (
	"github.com/l1jgo/ghostnet/internal/core/ecs"
	"github.com/l1jgo/ghostnet/internal/core/event"
	"github.com/l1jgo/ghostnet/internal/ghost"
	"github.com/l1jgo/ghostnet/internal/snapshot"
	"github.com/l1jgo/ghostnet/internal/tick"
	"github.com/l1jgo/ghostnet/internal/timesync"
	"go.uber.org/zap"
)

// Simulator advances one ghost by one tick. in is nil when the ghost is not
// driven by this connection's input or no input was recorded for t.
type Simulator interface {
	Step(t tick.Tick, info *ghost.Info, st *ghost.State, in *ghost.Input) error
}

// Config tunes reconciliation.
type Config struct {
	Tolerance             float32 // float and quantized fields compare within this
	HistoryTicks          int     // predictions kept per ghost
	SpawnMatchWindow      int     // ticks between predicted and server spawn tick
	PredictedSpawnTimeout int     // ticks before an unconfirmed predicted spawn is destroyed
}

// Phase is the reconciliation state of one predicted ghost.
type Phase uint8

const (
	Predicting           Phase = iota // no authoritative snapshot compared yet
	AwaitingConfirmation              // predictions newer than the last compared tick exist
	Confirmed                         // the last compared prediction matched
	Resimulating                      // a mismatch was found this step
)

func (p Phase) String() string {
	switch p {
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	case Confirmed:
		return "confirmed"
	case Resimulating:
		return "resimulating"
	default:
		return "predicting"
	}
}

type record struct {
	states      []*ghost.State
	ticks       []tick.Tick
	phase       Phase
	compared    tick.Tick // newest authoritative tick compared
	predictedTo tick.Tick // tick the live state represents
}

func (r *record) at(t tick.Tick) (*ghost.State, bool) {
	i := t.Index(len(r.ticks))
	if !r.ticks[i].Equal(t) {
		return nil, false
	}
	return r.states[i], true
}

func (r *record) store(t tick.Tick, st *ghost.State) {
	i := t.Index(len(r.ticks))
	r.states[i].CopyFrom(st)
	r.ticks[i] = t
}

// StepResult reports one reconciliation step.
type StepResult struct {
	Predicted      int
	Mispredicted   int
	ResimTicks     int
	FullResim      bool
	ExpiredSpawns  int
	ConfirmedSpawn int
}

// Reconciler owns the prediction records of one client connection.
type Reconciler struct {
	cfg     Config
	log     *zap.Logger
	bus     *event.Bus
	sim     Simulator
	conn    int32
	ghosts  *ghost.Store
	history *snapshot.Store

	records  map[ecs.EntityID]*record
	inputs   map[uint32]ghost.Input
	newestIn tick.Tick
	spawns   []*pendingSpawn
	nextTmp  uint32

	scratch         []*ghost.State // per ghost type
	jobs            []job
	confirmedSpawns int
}

func NewReconciler(cfg Config, conn int32, sim Simulator, ghosts *ghost.Store, history *snapshot.Store, bus *event.Bus, log *zap.Logger) *Reconciler {
	if cfg.HistoryTicks < 2 {
		cfg.HistoryTicks = 64
	}
	types := ghosts.Types()
	r := &Reconciler{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		sim:     sim,
		conn:    conn,
		ghosts:  ghosts,
		history: history,
		records: make(map[ecs.EntityID]*record),
		inputs:  make(map[uint32]ghost.Input),
		scratch: make([]*ghost.State, len(types.Types)),
	}
	for i, l := range types.Types {
		r.scratch[i] = ghost.NewState(l)
	}
	ghosts.World().OnDestroy(r.forget)
	return r
}

func (r *Reconciler) forget(id ecs.EntityID) {
	delete(r.records, id)
	for i, s := range r.spawns {
		if s.id == id {
			r.spawns = append(r.spawns[:i], r.spawns[i+1:]...)
			break
		}
	}
}

// Phase returns the reconciliation state of a ghost.
func (r *Reconciler) Phase(id ecs.EntityID) (Phase, bool) {
	rec, ok := r.records[id]
	if !ok {
		return 0, false
	}
	return rec.phase, true
}

// Prediction returns the stored prediction of a ghost for tick t.
func (r *Reconciler) Prediction(id ecs.EntityID, t tick.Tick) (*ghost.State, bool) {
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	return rec.at(t)
}

// Tracked returns the number of predicted ghosts with records.
func (r *Reconciler) Tracked() int { return len(r.records) }

// RecordInput stores this connection's input for its tick. Inputs older than
// the prediction history are discarded.
func (r *Reconciler) RecordInput(in ghost.Input) {
	if !in.Tick.IsValid() {
		return
	}
	r.inputs[in.Tick.Value()] = in
	if !r.newestIn.IsValid() || in.Tick.IsNewerThan(r.newestIn) {
		r.newestIn = in.Tick
	}
	if len(r.inputs) > 2*r.cfg.HistoryTicks {
		for k, old := range r.inputs {
			if r.newestIn.TicksSince(old.Tick) >= int32(r.cfg.HistoryTicks) {
				delete(r.inputs, k)
			}
		}
	}
}

// Inputs appends recorded inputs in [from, to] to dst in tick order.
func (r *Reconciler) Inputs(from, to tick.Tick, dst []ghost.Input) []ghost.Input {
	for t := from; !t.IsNewerThan(to); t = t.Increment() {
		if in, ok := r.inputs[t.Value()]; ok {
			dst = append(dst, in)
		}
	}
	return dst
}

func (r *Reconciler) input(info *ghost.Info, t tick.Tick) *ghost.Input {
	if info.Owner != r.conn {
		return nil
	}
	in, ok := r.inputs[t.Value()]
	if !ok {
		return nil
	}
	return &in
}

func (r *Reconciler) newRecord(st *ghost.State) *record {
	n := r.cfg.HistoryTicks
	rec := &record{states: make([]*ghost.State, n), ticks: make([]tick.Tick, n)}
	for i := range rec.states {
		rec.states[i] = ghost.NewState(st.Layout)
	}
	return rec
}

type job struct {
	id   ecs.EntityID
	rec  *record
	info *ghost.Info
	st   *ghost.State
	from tick.Tick // live state represents this tick; stepping starts at from+1
}

// Step reconciles every predicted ghost against its newest authoritative
// snapshot and predicts it forward to targets.Predict.
func (r *Reconciler) Step(targets timesync.Targets) StepResult {
	var res StepResult
	if !targets.Predict.IsValid() {
		return res
	}
	res.FullResim = targets.Rollback
	res.ExpiredSpawns = r.expireSpawns(targets.Predict)
	res.ConfirmedSpawn, r.confirmedSpawns = r.confirmedSpawns, 0

	jobs := r.jobs[:0]
	r.ghosts.Each(func(id ecs.EntityID, info *ghost.Info, st *ghost.State) {
		if !info.Predicted || r.ghosts.World().PendingDestruction(id) {
			return
		}
		rec := r.records[id]
		if rec == nil {
			rec = r.newRecord(st)
			r.records[id] = rec
			if info.PendingSpawn {
				rec.predictedTo = info.SpawnTick
				rec.store(info.SpawnTick, st)
			}
		}
		from, ok := r.reconcile(id, info, st, rec, targets, &res)
		if !ok {
			return
		}
		jobs = append(jobs, job{id: id, rec: rec, info: info, st: st, from: from})
	})
	r.jobs = jobs
	res.Predicted = len(jobs)
	res.ResimTicks += r.simulate(jobs, targets.Predict)
	return res
}

// reconcile compares the newest authoritative snapshot with the prediction
// for the same tick and returns the tick the live state now represents.
func (r *Reconciler) reconcile(id ecs.EntityID, info *ghost.Info, st *ghost.State, rec *record, targets timesync.Targets, res *StepResult) (tick.Tick, bool) {
	full := targets.Rollback
	auth, ok := r.history.Latest(id)
	if !ok {
		// Predicted spawn without server data yet.
		return rec.predictedTo, rec.predictedTo.IsValid()
	}
	at := auth.Tick()
	fresh := !rec.compared.IsValid() || at.IsNewerThan(rec.compared)
	if !fresh && !full {
		return rec.predictedTo, true
	}
	rec.compared = at

	server := r.scratch[info.Type]
	auth.Load(server)

	// Fields this connection never receives hold stale values in the
	// snapshot; only compare and rebase what the server actually sent.
	rc := ghost.Receiver{Owner: info.Owner == r.conn, Predicted: true}
	predicted, hasPrediction := rec.at(at)
	if hasPrediction && !full && rec.predictedTo.IsValid() && predicted.EqualFor(server, r.cfg.Tolerance, rc) {
		rec.phase = Confirmed
		return rec.predictedTo, true
	}

	first := !rec.predictedTo.IsValid()
	if hasPrediction {
		st.CopyFrom(predicted)
	}
	st.CopyFor(server, rc)
	rec.store(at, st)
	rec.predictedTo = at
	if first {
		rec.phase = Predicting
		return at, true
	}
	rec.phase = Resimulating
	res.Mispredicted++
	resim := 0
	if d := targets.Predict.TicksSince(at); d > 0 {
		resim = int(d)
	}
	event.Emit(r.bus, event.Misprediction{NetID: info.NetID, Tick: at, Resimmed: resim, Connection: r.conn})
	r.log.Debug("misprediction", zap.Uint32("net_id", info.NetID), zap.Stringer("tick", at), zap.Bool("full", full))
	return at, true
}

// simulate steps every job to target in tick lockstep: tick t is applied to
// all ghosts that need it before any ghost moves on to t+1. Each ghost only
// reads and writes its own state.
func (r *Reconciler) simulate(jobs []job, target tick.Tick) int {
	if len(jobs) == 0 {
		return 0
	}
	start := tick.Invalid
	for i := range jobs {
		if !start.IsValid() || jobs[i].from.IsOlderThan(start) {
			start = jobs[i].from
		}
	}
	steps := 0
	for t := start.Increment(); !t.IsNewerThan(target); t = t.Increment() {
		for i := range jobs {
			j := &jobs[i]
			if !j.from.IsOlderThan(t) {
				continue
			}
			if err := r.sim.Step(t, j.info, j.st, r.input(j.info, t)); err != nil {
				r.log.Warn("predicted step failed", zap.Uint32("net_id", j.info.NetID), zap.Stringer("tick", t), zap.Error(err))
			}
			j.rec.store(t, j.st)
			j.rec.predictedTo = t
			if j.rec.phase == Resimulating || j.rec.phase == Confirmed {
				j.rec.phase = AwaitingConfirmation
			}
			steps++
		}
	}
	for i := range jobs {
		if jobs[i].rec.phase == Predicting && jobs[i].rec.compared.IsValid() {
			jobs[i].rec.phase = AwaitingConfirmation
		}
	}
	return steps
}
