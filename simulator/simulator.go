package simulator

import (
	"fmt"
	"log"
	"time"

	"cpsim/internal"
	"cpsim/internal/config"
	"cpsim/models"
	"cpsim/ocpp/core"
	"cpsim/types"
	"cpsim/utility"
)

// Simulator owns the charger registry, the scenario engine and the shared
// services; every control command goes through it.
type Simulator struct {
	conf     *config.Config
	logger   *internal.Logger
	database internal.Database
	store    *Store
	scenario *ScenarioEngine
	events   internal.EventHandler
	settings Settings
}

func NewSimulator(conf *config.Config) (*Simulator, error) {
	sim := &Simulator{
		conf:     conf,
		store:    NewStore(),
		settings: settingsFromConfig(conf),
	}

	if conf.Mongo.Enabled {
		database, err := internal.NewMongoClient(conf)
		if err != nil {
			return nil, fmt.Errorf("mongodb setup failed: %s", err)
		}
		sim.database = database
		log.Println("mongodb is configured and enabled")
	} else {
		log.Println("database is disabled")
	}

	logService := internal.NewLogger()
	logService.SetDebugMode(conf.IsDebug)
	logService.SetDatabase(sim.database)
	sim.logger = logService

	sim.scenario = NewScenarioEngine(sim.store, logService)

	if err := sim.loadChargers(); err != nil {
		return nil, err
	}
	if sim.store.Size() == 0 && conf.Simulator.SeedCharger {
		sim.seedCharger()
	}
	return sim, nil
}

func settingsFromConfig(conf *config.Config) Settings {
	settings := DefaultSettings()
	if conf.Simulator.ResponseTimeout > 0 {
		settings.ResponseTimeout = time.Duration(conf.Simulator.ResponseTimeout) * time.Second
	}
	if conf.Simulator.BackoffBaseSeconds > 0 {
		settings.BackoffBase = time.Duration(conf.Simulator.BackoffBaseSeconds) * time.Second
	}
	if conf.Simulator.BackoffMaxSeconds > 0 {
		settings.BackoffMax = time.Duration(conf.Simulator.BackoffMaxSeconds) * time.Second
	}
	return settings
}

// SetEventHandler registers the listener for status, transaction and
// scenario events on every present and future charger.
func (sim *Simulator) SetEventHandler(events internal.EventHandler) {
	sim.events = events
	sim.scenario.SetEventHandler(events)
	for _, ch := range sim.store.All() {
		ch.SetEventHandler(events)
	}
}

func (sim *Simulator) Logger() internal.LogHandler {
	return sim.logger
}

// loadChargers restores the registry from the database at startup.
func (sim *Simulator) loadChargers() error {
	if sim.database == nil {
		return nil
	}
	chargePoints, err := sim.database.GetChargePoints()
	if err != nil {
		return fmt.Errorf("loading charge points: %s", err)
	}
	for i := range chargePoints {
		model := chargePoints[i]
		if !model.IsEnabled {
			continue
		}
		sim.registerCharger(model)
	}
	sim.logger.Debug(fmt.Sprintf("loaded %d chargers", sim.store.Size()))
	return nil
}

func (sim *Simulator) seedCharger() {
	model := models.ChargePoint{
		Id:         "sim-001",
		IsEnabled:  true,
		Title:      "Seed charger",
		LocationId: "default",
		Address:    sim.conf.Simulator.CsmsUrl,
		Connectors: 2,
	}
	sim.registerCharger(model)
	sim.logger.Debug("seeded default charger sim-001")
}

func (sim *Simulator) registerCharger(model models.ChargePoint) *Charger {
	if model.Address == "" {
		model.Address = sim.conf.Simulator.CsmsUrl
	}
	ch := NewCharger(model, sim.logger, sim.settings)
	ch.SetVehicleResolver(&databaseVehicleResolver{database: sim.database, logger: sim.logger})
	ch.SetEventHandler(sim.events)
	ch.Config().SetPersistHook(sim.persistConfig(ch.Id))
	sim.store.Add(ch)
	return ch
}

// persistConfig builds the fire-and-forget store hook for one charger;
// persistence failures are logged and never surfaced to the protocol
// caller.
func (sim *Simulator) persistConfig(chargePointId string) func(key, value string) {
	return func(key, value string) {
		if sim.database == nil {
			return
		}
		if err := sim.database.UpdateChargePointConfig(chargePointId, key, value); err != nil {
			sim.logger.Error("persisting config for "+chargePointId, err)
		}
	}
}

// CreateCharger registers a new charger and stores it when the database is
// enabled.
func (sim *Simulator) CreateCharger(model models.ChargePoint) (*Charger, error) {
	if model.Id == "" {
		return nil, utility.Err("charge point id is required")
	}
	if sim.store.Get(model.Id) != nil {
		return nil, utility.Err("charge point " + model.Id + " already exists")
	}
	model.IsEnabled = true
	ch := sim.registerCharger(model)
	if sim.database != nil {
		stored := ch.StoredModel()
		if err := sim.database.AddChargePoint(&stored); err != nil {
			sim.logger.Error("storing charge point "+model.Id, err)
		}
	}
	sim.logger.FeatureEvent("registry", model.Id, "charge point created")
	return ch, nil
}

// DeleteCharger disconnects the charger, awaits its background tasks and
// removes it from the registry and the database.
func (sim *Simulator) DeleteCharger(chargePointId string) error {
	ch := sim.store.Get(chargePointId)
	if ch == nil {
		return utility.Err("unknown charge point " + chargePointId)
	}
	ch.Disconnect()
	sim.store.Remove(chargePointId)
	if sim.database != nil {
		if err := sim.database.DeleteChargePoint(chargePointId); err != nil {
			sim.logger.Error("deleting charge point "+chargePointId, err)
		}
	}
	sim.logger.FeatureEvent("registry", chargePointId, "charge point deleted")
	return nil
}

func (sim *Simulator) Connect(chargePointId string) error {
	ch := sim.store.Get(chargePointId)
	if ch == nil {
		return utility.Err("unknown charge point " + chargePointId)
	}
	ch.Connect()
	return nil
}

func (sim *Simulator) Disconnect(chargePointId string) error {
	ch := sim.store.Get(chargePointId)
	if ch == nil {
		return utility.Err("unknown charge point " + chargePointId)
	}
	ch.Disconnect()
	return nil
}

func (sim *Simulator) StartTransaction(chargePointId string, connectorId int, idTag string) error {
	conn, err := sim.connection(chargePointId)
	if err != nil {
		return err
	}
	return conn.StartTransaction(connectorId, idTag)
}

func (sim *Simulator) StopTransaction(chargePointId string, connectorId int) error {
	conn, err := sim.connection(chargePointId)
	if err != nil {
		return err
	}
	return conn.StopTransaction(connectorId, types.ReasonLocal)
}

func (sim *Simulator) connection(chargePointId string) (*Connection, error) {
	ch := sim.store.Get(chargePointId)
	if ch == nil {
		return nil, utility.Err("unknown charge point " + chargePointId)
	}
	conn := ch.Connection()
	if conn == nil || !conn.IsConnected() {
		return nil, utility.Err("charge point " + chargePointId + " is not connected")
	}
	return conn, nil
}

// ChangeConfiguration updates a key locally, same contract as the
// CSMS-issued command.
func (sim *Simulator) ChangeConfiguration(chargePointId, key, value string) (core.ConfigurationStatus, error) {
	ch := sim.store.Get(chargePointId)
	if ch == nil {
		return "", utility.Err("unknown charge point " + chargePointId)
	}
	return ch.Config().Set(key, value), nil
}

// RunRushPeriod starts a plug-in wave over the location using the vehicles
// known for it.
func (sim *Simulator) RunRushPeriod(locationId string, duration time.Duration) (*ScenarioRun, error) {
	if duration <= 0 {
		return nil, utility.Err("scenario duration must be positive")
	}
	vehicles := sim.vehiclesForLocation(locationId)
	return sim.scenario.RunRushPeriod(locationId, duration, vehicles)
}

func (sim *Simulator) vehiclesForLocation(locationId string) []models.Vehicle {
	if sim.database != nil {
		vehicles, err := sim.database.GetVehiclesByLocation(locationId)
		if err != nil {
			sim.logger.Error("loading vehicles for "+locationId, err)
		}
		if len(vehicles) > 0 {
			return vehicles
		}
	}
	return []models.Vehicle{{
		Id:              "default-vehicle",
		Title:           "Default vehicle",
		LocationId:      locationId,
		BatteryCapacity: defaultBatteryCapacityKWh,
		StartSoc:        defaultStartSoc,
		IdTags:          []string{"SIMTAG001"},
	}}
}

func (sim *Simulator) CancelScenario(locationId string) error {
	return sim.scenario.Cancel(locationId)
}

func (sim *Simulator) StopAllCharging(locationId string) (stopped, failed int) {
	return sim.scenario.StopAllCharging(locationId)
}

func (sim *Simulator) ScenarioStatus(locationId string) (ScenarioSnapshot, error) {
	run := sim.scenario.Active(locationId)
	if run == nil {
		return ScenarioSnapshot{}, utility.Err("no scenario at location " + locationId)
	}
	return run.Snapshot(), nil
}

func (sim *Simulator) ChargerSnapshot(chargePointId string) (ChargerSnapshot, error) {
	ch := sim.store.Get(chargePointId)
	if ch == nil {
		return ChargerSnapshot{}, utility.Err("unknown charge point " + chargePointId)
	}
	return ch.Snapshot(), nil
}

func (sim *Simulator) ChargerSnapshots() []ChargerSnapshot {
	chargers := sim.store.All()
	snapshots := make([]ChargerSnapshot, 0, len(chargers))
	for _, ch := range chargers {
		snapshots = append(snapshots, ch.Snapshot())
	}
	return snapshots
}

func (sim *Simulator) OcppLog(chargePointId string) ([]LogRecord, error) {
	ch := sim.store.Get(chargePointId)
	if ch == nil {
		return nil, utility.Err("unknown charge point " + chargePointId)
	}
	return ch.OcppLog(), nil
}

func (sim *Simulator) ReadLog() (interface{}, error) {
	if sim.database == nil {
		return nil, utility.Err("database is disabled")
	}
	return sim.database.ReadLog()
}

// databaseVehicleResolver looks up the idTag in the vehicle collection and
// falls back to a generic battery when the tag is unknown.
type databaseVehicleResolver struct {
	database internal.Database
	logger   internal.LogHandler
}

func (r *databaseVehicleResolver) Resolve(idTag string) (float64, float64) {
	if r.database != nil {
		vehicle, err := r.database.GetVehicleByTag(idTag)
		if err != nil {
			r.logger.Debug(fmt.Sprintf("vehicle lookup for tag %s: %s", idTag, err))
		}
		if vehicle != nil && vehicle.BatteryCapacity > 0 {
			return vehicle.BatteryCapacity, vehicle.StartSoc
		}
	}
	return defaultBatteryCapacityKWh, defaultStartSoc
}
