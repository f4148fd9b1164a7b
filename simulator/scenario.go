package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cpsim/internal"
	"cpsim/metrics/counters"
	"cpsim/models"
	"cpsim/types"
	"cpsim/utility"
)

type ScenarioStatus string

const (
	ScenarioRunning   ScenarioStatus = "running"
	ScenarioCompleted ScenarioStatus = "completed"
	ScenarioCancelled ScenarioStatus = "cancelled"
)

const scenarioConnectWait = 5 * time.Second

// ScenarioRun tracks one orchestrated bulk operation over the chargers of a
// location. At most one run per location may be running at a time.
type ScenarioRun struct {
	mux            sync.Mutex
	Type           string    `json:"type"`
	LocationId     string    `json:"location_id"`
	Duration       string    `json:"duration"`
	StartedAt      time.Time `json:"started_at"`
	TotalPairs     int       `json:"total_pairs"`
	CompletedPairs int       `json:"completed_pairs"`
	FailedPairs    int       `json:"failed_pairs"`
	Skipped        []string  `json:"skipped"`

	status ScenarioStatus
	cancel context.CancelFunc
}

func (run *ScenarioRun) Status() ScenarioStatus {
	run.mux.Lock()
	defer run.mux.Unlock()
	return run.status
}

func (run *ScenarioRun) setStatus(status ScenarioStatus) bool {
	run.mux.Lock()
	defer run.mux.Unlock()
	// a cancelled run never resurrects
	if run.status != ScenarioRunning {
		return false
	}
	run.status = status
	return true
}

func (run *ScenarioRun) pairDone(err error) {
	run.mux.Lock()
	if err == nil {
		run.CompletedPairs++
	} else {
		run.FailedPairs++
	}
	run.mux.Unlock()
}

// Snapshot returns a copy safe to serialize while the run mutates.
type ScenarioSnapshot struct {
	Type           string    `json:"type"`
	LocationId     string    `json:"location_id"`
	Status         string    `json:"status"`
	Duration       string    `json:"duration"`
	StartedAt      time.Time `json:"started_at"`
	TotalPairs     int       `json:"total_pairs"`
	CompletedPairs int       `json:"completed_pairs"`
	FailedPairs    int       `json:"failed_pairs"`
	Skipped        []string  `json:"skipped"`
}

func (run *ScenarioRun) Snapshot() ScenarioSnapshot {
	run.mux.Lock()
	defer run.mux.Unlock()
	return ScenarioSnapshot{
		Type:           run.Type,
		LocationId:     run.LocationId,
		Status:         string(run.status),
		Duration:       run.Duration,
		StartedAt:      run.StartedAt,
		TotalPairs:     run.TotalPairs,
		CompletedPairs: run.CompletedPairs,
		FailedPairs:    run.FailedPairs,
		Skipped:        run.Skipped,
	}
}

// ScenarioEngine orchestrates bulk operations over all chargers of a
// location; runs are background tasks with cooperative cancellation.
type ScenarioEngine struct {
	mux    sync.Mutex
	runs   map[string]*ScenarioRun
	store  *Store
	logger internal.LogHandler
	events internal.EventHandler
	wg     sync.WaitGroup
}

func NewScenarioEngine(store *Store, logger internal.LogHandler) *ScenarioEngine {
	return &ScenarioEngine{
		runs:   make(map[string]*ScenarioRun),
		store:  store,
		logger: logger,
	}
}

func (se *ScenarioEngine) SetEventHandler(events internal.EventHandler) {
	se.events = events
}

// Active returns the run currently registered for the location, running or
// finished; nil when the location never ran a scenario.
func (se *ScenarioEngine) Active(locationId string) *ScenarioRun {
	se.mux.Lock()
	defer se.mux.Unlock()
	return se.runs[locationId]
}

// Cancel stops the scheduling of further plug-ins. Sessions already started
// by the run keep charging.
func (se *ScenarioEngine) Cancel(locationId string) error {
	se.mux.Lock()
	run := se.runs[locationId]
	se.mux.Unlock()
	if run == nil || !run.setStatus(ScenarioCancelled) {
		return utility.Err("no running scenario at location " + locationId)
	}
	run.cancel()
	counters.ScenarioFinished(locationId, string(ScenarioCancelled))
	return nil
}

// Wait blocks until every spawned run task has returned.
func (se *ScenarioEngine) Wait() {
	se.wg.Wait()
}

type rushPair struct {
	charger *Charger
	evseId  int
	idTag   string
}

// RunRushPeriod simulates a plug-in wave: connects every offline charger at
// the location, pairs idle connectors with vehicle id tags and spreads the
// session starts evenly over the duration.
func (se *ScenarioEngine) RunRushPeriod(locationId string, duration time.Duration, vehicles []models.Vehicle) (*ScenarioRun, error) {
	chargers := se.store.ByLocation(locationId)
	if len(chargers) == 0 {
		return nil, utility.Err("no chargers at location " + locationId)
	}
	if len(vehicles) == 0 {
		return nil, utility.Err("no vehicles available at location " + locationId)
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &ScenarioRun{
		Type:       "rush_period",
		LocationId: locationId,
		Duration:   duration.String(),
		StartedAt:  time.Now(),
		status:     ScenarioRunning,
		cancel:     cancel,
	}

	se.mux.Lock()
	if current := se.runs[locationId]; current != nil && current.Status() == ScenarioRunning {
		se.mux.Unlock()
		cancel()
		return nil, utility.Err("scenario already running at location " + locationId)
	}
	se.runs[locationId] = run
	se.mux.Unlock()

	se.wg.Add(1)
	go se.rushPeriod(ctx, run, chargers, vehicles, duration)
	return run, nil
}

func (se *ScenarioEngine) rushPeriod(ctx context.Context, run *ScenarioRun, chargers []*Charger, vehicles []models.Vehicle, duration time.Duration) {
	defer se.wg.Done()
	defer run.cancel()

	se.logger.FeatureEvent("scenario", run.LocationId,
		fmt.Sprintf("rush period started: %d chargers, %d vehicles, duration %s", len(chargers), len(vehicles), duration))

	online := se.connectAll(run, chargers)
	pairs := pairEvses(online, vehicles)

	run.mux.Lock()
	run.TotalPairs = len(pairs)
	run.mux.Unlock()

	if len(pairs) == 0 {
		se.finish(run, ScenarioCompleted)
		return
	}

	spacing := duration / time.Duration(len(pairs))
	for i, pair := range pairs {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(spacing):
			}
		}
		if ctx.Err() != nil {
			return
		}
		conn := pair.charger.Connection()
		if conn == nil || !conn.IsConnected() {
			run.pairDone(utility.Err("charger offline"))
			continue
		}
		err := conn.StartTransaction(pair.evseId, pair.idTag)
		if err != nil {
			se.logger.Warn(fmt.Sprintf("rush period start on %s connector %d: %s", pair.charger.Id, pair.evseId, err))
		}
		run.pairDone(err)
	}
	se.finish(run, ScenarioCompleted)
}

// connectAll brings offline chargers up, waiting a bounded time for each to
// establish the session. Chargers still offline afterwards are recorded as
// skipped and excluded from pairing.
func (se *ScenarioEngine) connectAll(run *ScenarioRun, chargers []*Charger) []*Charger {
	var online []*Charger
	for _, ch := range chargers {
		if !ch.IsConnected() {
			ch.Connect()
			deadline := time.Now().Add(scenarioConnectWait)
			for !ch.IsConnected() && time.Now().Before(deadline) {
				time.Sleep(100 * time.Millisecond)
			}
		}
		if ch.IsConnected() {
			online = append(online, ch)
		} else {
			run.mux.Lock()
			run.Skipped = append(run.Skipped, ch.Id)
			run.mux.Unlock()
			se.logger.Warn("rush period skipping offline charger " + ch.Id)
		}
	}
	return online
}

// pairEvses matches idle connectors with vehicle id tags, one tag per
// vehicle. The pair count is capped at min(idle connectors, vehicles); a tag
// is never assigned to more than one connector.
func pairEvses(chargers []*Charger, vehicles []models.Vehicle) []rushPair {
	var tags []string
	for _, v := range vehicles {
		if tag := v.PrimaryTag(); tag != "" {
			tags = append(tags, tag)
		}
	}
	if len(tags) == 0 {
		return nil
	}
	var pairs []rushPair
	for _, ch := range chargers {
		for _, e := range ch.Evses() {
			if len(pairs) == len(tags) {
				return pairs
			}
			if e.HasTransaction() || e.State() != EvseAvailable {
				continue
			}
			pairs = append(pairs, rushPair{charger: ch, evseId: e.Id, idTag: tags[len(pairs)]})
		}
	}
	return pairs
}

func (se *ScenarioEngine) finish(run *ScenarioRun, status ScenarioStatus) {
	if !run.setStatus(status) {
		return
	}
	snap := run.Snapshot()
	final := ScenarioStatus(snap.Status)
	counters.ScenarioFinished(run.LocationId, snap.Status)
	se.logger.FeatureEvent("scenario", run.LocationId,
		fmt.Sprintf("rush period %s: %d completed, %d failed, %d skipped",
			final, snap.CompletedPairs, snap.FailedPairs, len(snap.Skipped)))
	if se.events != nil {
		se.events.OnScenarioFinished(&internal.EventMessage{
			Type:   "scenario",
			Time:   time.Now(),
			Status: string(final),
			Info:   fmt.Sprintf("rush period at %s finished as %s", run.LocationId, final),
		})
	}
}

// StopAllCharging stops every active transaction at the location. It runs
// independently of any scenario and never touches the run registry.
func (se *ScenarioEngine) StopAllCharging(locationId string) (stopped int, failed int) {
	for _, ch := range se.store.ByLocation(locationId) {
		conn := ch.Connection()
		for _, e := range ch.Evses() {
			if !e.HasTransaction() {
				continue
			}
			if conn == nil {
				failed++
				continue
			}
			if err := conn.StopTransaction(e.Id, types.ReasonLocal); err != nil {
				se.logger.Warn(fmt.Sprintf("stop all charging on %s connector %d: %s", ch.Id, e.Id, err))
				failed++
			} else {
				stopped++
			}
		}
	}
	se.logger.FeatureEvent("scenario", locationId,
		fmt.Sprintf("stop all charging: %d stopped, %d failed", stopped, failed))
	return stopped, failed
}
