package simulator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cpsim/metrics/counters"
	"cpsim/types"
	"cpsim/utility"
)

// meterTick advances the connector's meter state by dt seconds and returns
// the sample to report together with the owning transaction id. reachedFull
// is set when the tick drove the automatic Charging -> SuspendedEV
// transition at 100% SoC. emit is false when the loop must terminate
// without reporting (transaction gone, Faulted or Unavailable).
func (e *EVSE) meterTick(dtSeconds float64) (sample []types.MeterValue, transactionId int, reachedFull, emit bool) {
	e.mux.Lock()
	defer e.mux.Unlock()

	if e.transactionId == noTransaction || e.state == EvseFaulted || e.state == EvseUnavailable {
		return nil, 0, false, false
	}

	effective := 0.0
	if e.state == EvseCharging {
		effective = e.maxPower
		if e.limit > 0 && e.limit < effective {
			effective = e.limit
		}
	}
	e.power = effective
	e.energy += effective * dtSeconds / 3600.0

	if e.powerType == PowerTypeDC {
		e.voltage = packVoltage(e.soc)
	} else {
		e.voltage = e.nominalVoltage
	}
	if e.voltage > 0 {
		e.current = effective / e.voltage
	} else {
		e.current = 0
	}

	if e.batteryCapacity > 0 {
		sessionEnergy := e.energy - e.sessionEnergy0
		soc := e.startSoc + sessionEnergy/e.batteryCapacity*100.0
		if soc > 100 {
			soc = 100
		}
		if soc < 0 {
			soc = 0
		}
		e.soc = soc
	}
	if e.soc >= 100 && e.state == EvseCharging {
		// the one transition not triggered by a command
		if err := e.transitionLocked(EvseSuspendedEV); err == nil {
			reachedFull = true
		}
	}

	sampled := []types.SampledValue{
		{Value: strconv.Itoa(int(e.energy + 0.5)), Context: types.ReadingContextSamplePeriodic, Measurand: types.MeasurandEnergyActiveImportRegister, Unit: types.UnitOfMeasureWh},
		{Value: strconv.Itoa(int(e.power + 0.5)), Context: types.ReadingContextSamplePeriodic, Measurand: types.MeasurandPowerActiveImport, Unit: types.UnitOfMeasureW},
		{Value: utility.FormatFloat(e.current), Context: types.ReadingContextSamplePeriodic, Measurand: types.MeasurandCurrentImport, Unit: types.UnitOfMeasureA},
	}
	if e.powerType == PowerTypeDC {
		// SoC is tracked for AC too but only DC reports it on the wire
		sampled = append(sampled, types.SampledValue{
			Value:     utility.FormatFloat(e.soc),
			Context:   types.ReadingContextSamplePeriodic,
			Measurand: types.MeasurandSoC,
			Location:  types.LocationEV,
			Unit:      types.UnitOfMeasurePercent,
		})
	}
	sample = []types.MeterValue{{Timestamp: types.Now(), SampledValue: sampled}}
	return sample, e.transactionId, reachedFull, true
}

// startMetering launches the per-connector tick loop. One loop runs per
// EVSE with an active transaction; it is cancelled on StopTransaction and
// on charger disconnect or deletion.
func (ch *Charger) startMetering(e *EVSE) {
	interval := ch.config.MeterInterval()
	ctx, cancel := context.WithCancel(context.Background())

	ch.tasksMux.Lock()
	if old, ok := ch.meterTasks[e.Id]; ok {
		old()
	}
	ch.meterTasks[e.Id] = cancel
	ch.tasksMux.Unlock()

	ch.meterWg.Add(1)
	go ch.meteringLoop(ctx, cancel, e, interval)
}

func (ch *Charger) meteringLoop(ctx context.Context, cancel context.CancelFunc, e *EVSE, interval time.Duration) {
	defer ch.meterWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sample, transactionId, reachedFull, emit := e.meterTick(interval.Seconds())
		if !emit {
			// self-termination: drop the task entry unless an external
			// cancel already reclaimed it
			ch.tasksMux.Lock()
			if ctx.Err() == nil {
				delete(ch.meterTasks, e.Id)
			}
			ch.tasksMux.Unlock()
			cancel()
			return
		}
		if reachedFull {
			ch.notifyStatus(e)
		}
		counters.ObservePowerRate(ch.LocationId, ch.Id, strconv.Itoa(e.Id), e.PowerW())
		conn := ch.Connection()
		if conn == nil {
			continue
		}
		if err := conn.SendMeterValues(e.Id, transactionId, sample); err != nil {
			ch.logger.Error(fmt.Sprintf("meter values for %s connector %d", ch.Id, e.Id), err)
		}
	}
}

// stopMetering cancels the tick loop of one connector, with no further
// emissions after return of the cancelled loop.
func (ch *Charger) stopMetering(connectorId int) {
	ch.tasksMux.Lock()
	cancel, ok := ch.meterTasks[connectorId]
	if ok {
		delete(ch.meterTasks, connectorId)
	}
	ch.tasksMux.Unlock()
	if ok {
		cancel()
	}
	counters.ObservePowerRate(ch.LocationId, ch.Id, strconv.Itoa(connectorId), 0)
}

func (ch *Charger) stopAllMetering() {
	ch.tasksMux.Lock()
	cancels := make([]context.CancelFunc, 0, len(ch.meterTasks))
	for id, cancel := range ch.meterTasks {
		cancels = append(cancels, cancel)
		delete(ch.meterTasks, id)
	}
	ch.tasksMux.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	ch.meterWg.Wait()
}
