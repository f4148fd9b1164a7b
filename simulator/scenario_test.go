package simulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cpsim/models"
)

func testVehicles(tags ...string) []models.Vehicle {
	vehicles := make([]models.Vehicle, 0, len(tags))
	for i, tag := range tags {
		vehicles = append(vehicles, models.Vehicle{
			Id:              tag,
			Title:           "Vehicle " + tag,
			BatteryCapacity: 60 + float64(i)*10,
			StartSoc:        20,
			IdTags:          []string{tag},
		})
	}
	return vehicles
}

func TestPairEvsesCapsAtVehicleCount(t *testing.T) {
	chargers := []*Charger{
		testCharger("cp-1", "loc-1"),
		testCharger("cp-2", "loc-1"),
	}
	// 2 chargers x 2 connectors but only 2 vehicles: each tag plugs in once
	pairs := pairEvses(chargers, testVehicles("TAG-A", "TAG-B"))
	require.Len(t, pairs, 2)
	assert.Equal(t, "TAG-A", pairs[0].idTag)
	assert.Equal(t, "TAG-B", pairs[1].idTag)
	assert.Equal(t, "cp-1", pairs[0].charger.Id)
	assert.Equal(t, "cp-1", pairs[1].charger.Id)
}

func TestPairEvsesCapsAtConnectorCount(t *testing.T) {
	ch := testCharger("cp-1", "loc-1")
	// 2 connectors, 3 vehicles: the surplus vehicle stays unplugged
	pairs := pairEvses([]*Charger{ch}, testVehicles("TAG-A", "TAG-B", "TAG-C"))
	require.Len(t, pairs, 2)
	assert.Equal(t, "TAG-A", pairs[0].idTag)
	assert.Equal(t, "TAG-B", pairs[1].idTag)
}

func TestPairEvsesSkipsBusyConnectors(t *testing.T) {
	ch := testCharger("cp-1", "loc-1")
	busy := ch.Evse(1)
	require.NoError(t, busy.TransitionTo(EvsePreparing))
	busy.StartSession(9, "TAG-X", 20, 100_000)
	require.NoError(t, busy.TransitionTo(EvseCharging))

	pairs := pairEvses([]*Charger{ch}, testVehicles("TAG-A"))
	require.Len(t, pairs, 1)
	assert.Equal(t, 2, pairs[0].evseId)
}

func TestPairEvsesNoTags(t *testing.T) {
	ch := testCharger("cp-1", "loc-1")
	pairs := pairEvses([]*Charger{ch}, []models.Vehicle{{Id: "v1"}})
	assert.Empty(t, pairs)
}

func TestScenarioRunStatusNeverResurrects(t *testing.T) {
	run := &ScenarioRun{status: ScenarioRunning}
	assert.True(t, run.setStatus(ScenarioCancelled))
	assert.Equal(t, ScenarioCancelled, run.Status())
	assert.False(t, run.setStatus(ScenarioCompleted))
	assert.Equal(t, ScenarioCancelled, run.Status())
}

func TestScenarioEngineRejectsMissingInput(t *testing.T) {
	engine := NewScenarioEngine(NewStore(), &testLogger{})

	_, err := engine.RunRushPeriod("loc-1", time.Second, testVehicles("TAG-A"))
	assert.Error(t, err, "no chargers at the location")

	store := NewStore()
	store.Add(testCharger("cp-1", "loc-1"))
	engine = NewScenarioEngine(store, &testLogger{})
	_, err = engine.RunRushPeriod("loc-1", time.Second, nil)
	assert.Error(t, err, "no vehicles at the location")
}

func TestScenarioEngineSingleRunPerLocation(t *testing.T) {
	store := NewStore()
	ch := testCharger("cp-1", "loc-1")
	store.Add(ch)
	t.Cleanup(ch.Disconnect)
	engine := NewScenarioEngine(store, &testLogger{})

	// a registered running run blocks a second one for the same location
	_, cancel := context.WithCancel(context.Background())
	running := &ScenarioRun{LocationId: "loc-1", status: ScenarioRunning, cancel: cancel}
	engine.runs["loc-1"] = running

	_, err := engine.RunRushPeriod("loc-1", time.Second, testVehicles("TAG-A"))
	assert.Error(t, err)

	// a finished run does not
	require.True(t, running.setStatus(ScenarioCompleted))
	run, err := engine.RunRushPeriod("loc-1", 50*time.Millisecond, testVehicles("TAG-A"))
	require.NoError(t, err)
	require.NoError(t, engine.Cancel("loc-1"))
	assert.Equal(t, ScenarioCancelled, run.Status())
	engine.Wait()
}

func TestRushPeriodPlugsFirstPairImmediately(t *testing.T) {
	csms := newFakeCsms(t)
	ch := connectedCharger(t, csms)
	store := NewStore()
	store.Add(ch)
	engine := NewScenarioEngine(store, &testLogger{})

	// spacing would be 30s per pair; the first plug-in must not wait for it
	run, err := engine.RunRushPeriod(ch.LocationId, 30*time.Second, testVehicles("TAG-A"))
	require.NoError(t, err)
	csms.waitAction("StartTransaction")

	deadline := time.Now().Add(3 * time.Second)
	for run.Status() == ScenarioRunning && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, ScenarioCompleted, run.Status())
	snap := run.Snapshot()
	assert.Equal(t, 1, snap.TotalPairs)
	assert.Equal(t, 1, snap.CompletedPairs)
	engine.Wait()
}

func TestScenarioEngineCancel(t *testing.T) {
	engine := NewScenarioEngine(NewStore(), &testLogger{})
	assert.Error(t, engine.Cancel("loc-1"), "nothing to cancel")

	_, cancel := context.WithCancel(context.Background())
	run := &ScenarioRun{LocationId: "loc-1", status: ScenarioRunning, cancel: cancel}
	engine.runs["loc-1"] = run

	require.NoError(t, engine.Cancel("loc-1"))
	assert.Equal(t, ScenarioCancelled, run.Status())
	assert.Error(t, engine.Cancel("loc-1"), "cancel is not repeatable")
}

func TestStopAllChargingCountsOfflineAsFailed(t *testing.T) {
	store := NewStore()
	ch := testCharger("cp-1", "loc-1")
	evse := ch.Evse(1)
	require.NoError(t, evse.TransitionTo(EvsePreparing))
	evse.StartSession(3, "TAG-A", 20, 100_000)
	require.NoError(t, evse.TransitionTo(EvseCharging))
	store.Add(ch)
	engine := NewScenarioEngine(store, &testLogger{})

	// the charger has an active transaction but no connection
	stopped, failed := engine.StopAllCharging("loc-1")
	assert.Zero(t, stopped)
	assert.Equal(t, 1, failed)
}
