package simulator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cpsim/types"
)

func chargingEvse(t *testing.T, powerType string, maxPower, voltage float64) *EVSE {
	t.Helper()
	e := NewEVSE(1, powerType, maxPower, voltage)
	require.NoError(t, e.TransitionTo(EvsePreparing))
	e.StartSession(100, "TAG-1", 20, 100_000)
	require.NoError(t, e.TransitionTo(EvseCharging))
	return e
}

func sampledValues(t *testing.T, sample []types.MeterValue) map[types.Measurand]types.SampledValue {
	t.Helper()
	require.Len(t, sample, 1)
	values := make(map[types.Measurand]types.SampledValue)
	for _, v := range sample[0].SampledValue {
		values[v.Measurand] = v
	}
	return values
}

func TestMeterTickChargingAccumulatesEnergy(t *testing.T) {
	e := chargingEvse(t, PowerTypeAC, 22000, 230)

	sample, transactionId, reachedFull, emit := e.meterTick(3600)
	require.True(t, emit)
	assert.False(t, reachedFull)
	assert.Equal(t, 100, transactionId)

	// one hour at 22 kW
	assert.InDelta(t, 22000.0, e.EnergyWh(), 1)
	assert.InDelta(t, 22000.0, e.PowerW(), 0.001)

	values := sampledValues(t, sample)
	assert.Equal(t, "22000", values[types.MeasurandEnergyActiveImportRegister].Value)
	assert.Equal(t, "22000", values[types.MeasurandPowerActiveImport].Value)
}

func TestMeterTickEnergyMonotonic(t *testing.T) {
	e := chargingEvse(t, PowerTypeAC, 22000, 230)
	previous := e.EnergyWh()
	for i := 0; i < 10; i++ {
		_, _, _, emit := e.meterTick(30)
		require.True(t, emit)
		assert.GreaterOrEqual(t, e.EnergyWh(), previous)
		previous = e.EnergyWh()
	}
}

func TestMeterTickRespectsLimit(t *testing.T) {
	e := chargingEvse(t, PowerTypeAC, 22000, 230)
	e.ApplyLimit(7000)
	e.meterTick(3600)
	assert.InDelta(t, 7000.0, e.PowerW(), 0.001)
	assert.InDelta(t, 7000.0, e.EnergyWh(), 1)

	// a limit above max power must not raise the effective power
	e.ApplyLimit(50000)
	e.meterTick(3600)
	assert.InDelta(t, 22000.0, e.PowerW(), 0.001)
}

func TestMeterTickSuspendedDeliversNoPower(t *testing.T) {
	e := chargingEvse(t, PowerTypeAC, 22000, 230)
	require.NoError(t, e.TransitionTo(EvseSuspendedEVSE))

	before := e.EnergyWh()
	_, _, _, emit := e.meterTick(3600)
	require.True(t, emit, "loop survives suspension states")
	assert.InDelta(t, 0.0, e.PowerW(), 0.001)
	assert.InDelta(t, before, e.EnergyWh(), 0.001)
}

func TestMeterTickStopsOnFaultAndUnavailable(t *testing.T) {
	for _, state := range []EvseState{EvseFaulted, EvseUnavailable} {
		e := chargingEvse(t, PowerTypeAC, 22000, 230)
		require.NoError(t, e.TransitionTo(state))
		_, _, _, emit := e.meterTick(30)
		assert.False(t, emit, "state %s must terminate the loop", state)
	}
}

func TestMeterTickNoTransaction(t *testing.T) {
	e := NewEVSE(1, PowerTypeAC, 22000, 230)
	_, _, _, emit := e.meterTick(30)
	assert.False(t, emit)
}

func TestMeterTickFullBatterySuspends(t *testing.T) {
	e := NewEVSE(1, PowerTypeAC, 22000, 230)
	require.NoError(t, e.TransitionTo(EvsePreparing))
	// tiny battery: 1 kWh from 99%
	e.StartSession(5, "TAG-1", 99, 1000)
	require.NoError(t, e.TransitionTo(EvseCharging))

	// one hour at 22 kW overshoots the remaining 10 Wh by far
	_, _, reachedFull, emit := e.meterTick(3600)
	require.True(t, emit)
	assert.True(t, reachedFull)
	assert.Equal(t, EvseSuspendedEV, e.State())
	assert.InDelta(t, 100.0, e.Soc(), 0.001, "SoC is clamped at 100")

	// next tick: still emitting, zero power, no second transition
	_, _, reachedFull, emit = e.meterTick(30)
	require.True(t, emit)
	assert.False(t, reachedFull)
	assert.InDelta(t, 0.0, e.PowerW(), 0.001)
}

func TestMeterTickSocOnlyOnDcWire(t *testing.T) {
	dc := chargingEvse(t, PowerTypeDC, 50000, 400)
	sample, _, _, _ := dc.meterTick(30)
	values := sampledValues(t, sample)
	_, hasSoc := values[types.MeasurandSoC]
	assert.True(t, hasSoc, "DC reports SoC")

	ac := chargingEvse(t, PowerTypeAC, 22000, 230)
	sample, _, _, _ = ac.meterTick(30)
	values = sampledValues(t, sample)
	_, hasSoc = values[types.MeasurandSoC]
	assert.False(t, hasSoc, "AC keeps SoC off the wire")
	assert.Greater(t, ac.Soc(), 20.0, "SoC is still tracked internally for AC")
}

func TestMeterTickAcVoltageFixed(t *testing.T) {
	e := chargingEvse(t, PowerTypeAC, 22000, 230)
	e.meterTick(30)
	values, _, _, _ := e.meterTick(30)
	current := sampledValues(t, values)[types.MeasurandCurrentImport]
	// current = power / nominal voltage
	assert.Equal(t, "95.7", current.Value)
}

func TestMeteringLoopClearsTaskOnSelfTermination(t *testing.T) {
	ch := testCharger("cp-1", "loc-1")
	ch.Config().Set("MeterValuesSampleInterval", "1")
	e := ch.Evse(1)
	require.NoError(t, e.TransitionTo(EvsePreparing))
	e.StartSession(200, "TAG-1", 20, 100_000)
	require.NoError(t, e.TransitionTo(EvseCharging))
	ch.startMetering(e)

	taskRegistered := func() bool {
		ch.tasksMux.Lock()
		defer ch.tasksMux.Unlock()
		_, ok := ch.meterTasks[e.Id]
		return ok
	}
	require.True(t, taskRegistered())

	// a fault ends the loop from inside the tick
	require.NoError(t, e.TransitionTo(EvseFaulted))
	deadline := time.Now().Add(3 * time.Second)
	for taskRegistered() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	assert.False(t, taskRegistered(), "self-terminated loop must release its task entry")
	ch.meterWg.Wait()
}

func TestPackVoltageCurve(t *testing.T) {
	// DC pack voltage follows the OCV curve: rising with SoC, within the
	// cell limits times the cell count
	low := packVoltage(0)
	mid := packVoltage(50)
	high := packVoltage(100)
	assert.Less(t, low, mid)
	assert.Less(t, mid, high)
	assert.GreaterOrEqual(t, low, cellVoltageMin*packCellCount)
	assert.LessOrEqual(t, high, cellVoltageMax*packCellCount)
}
