package simulator

import (
	"context"
	"strings"
	"sync"
	"time"

	"cpsim/internal"
	"cpsim/models"
	"cpsim/types"
	"cpsim/utility"
)

const (
	SecurityProfileNone  = "none"
	SecurityProfileBasic = "basic"

	defaultVendor          = "FastCharge"
	defaultModel           = "Pro 150"
	defaultFirmwareVersion = "2.4.1"

	defaultBatteryCapacityKWh = 100.0
	defaultStartSoc           = 20.0
)

// Settings carries the connection timing defaults from the service
// configuration.
type Settings struct {
	ResponseTimeout time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		ResponseTimeout: 30 * time.Second,
		BackoffBase:     2 * time.Second,
		BackoffMax:      60 * time.Second,
	}
}

// VehicleResolver maps an idTag to the battery capacity (kWh) and starting
// state of charge (percent) of the plugged-in vehicle.
type VehicleResolver interface {
	Resolve(idTag string) (batteryCapacityKWh, startSocPct float64)
}

type defaultVehicleResolver struct{}

func (defaultVehicleResolver) Resolve(string) (float64, float64) {
	return defaultBatteryCapacityKWh, defaultStartSoc
}

// LogRecord is one entry of the session-scoped OCPP message log.
type LogRecord struct {
	Id          string          `json:"id"`
	Timestamp   *types.DateTime `json:"timestamp"`
	Direction   string          `json:"direction"`
	MessageType string          `json:"message_type"`
	Payload     string          `json:"payload"`
}

// Charger is one simulated charge point: identity, EVSEs, configuration
// store and, while connected, the OCPP connection.
type Charger struct {
	Id              string
	Title           string
	LocationId      string
	Address         string
	SecurityProfile string
	Password        string
	Vendor          string
	Model           string
	FirmwareVersion string
	PowerType       string

	evses    []*EVSE
	config   *ConfigStore
	logger   internal.LogHandler
	resolver VehicleResolver
	events   internal.EventHandler
	settings Settings

	mux        sync.Mutex
	connection *Connection

	tasksMux   sync.Mutex
	meterTasks map[int]context.CancelFunc
	meterWg    sync.WaitGroup
	taskWg     sync.WaitGroup

	logMux  sync.Mutex
	ocppLog []LogRecord
}

func NewCharger(model models.ChargePoint, logger internal.LogHandler, settings Settings) *Charger {
	if model.Vendor == "" {
		model.Vendor = defaultVendor
	}
	if model.Model == "" {
		model.Model = defaultModel
	}
	if model.FirmwareVersion == "" {
		model.FirmwareVersion = defaultFirmwareVersion
	}
	if model.PowerType == "" {
		model.PowerType = PowerTypeAC
	}
	if model.SecurityProfile == "" {
		model.SecurityProfile = SecurityProfileNone
	}
	if model.Connectors <= 0 {
		model.Connectors = 1
	}

	charger := &Charger{
		Id:              model.Id,
		Title:           model.Title,
		LocationId:      model.LocationId,
		Address:         model.Address,
		SecurityProfile: model.SecurityProfile,
		Password:        model.Password,
		Vendor:          model.Vendor,
		Model:           model.Model,
		FirmwareVersion: model.FirmwareVersion,
		PowerType:       model.PowerType,
		config:          NewConfigStore(),
		logger:          logger,
		resolver:        defaultVehicleResolver{},
		settings:        settings,
		meterTasks:      make(map[int]context.CancelFunc),
	}
	for id := 1; id <= model.Connectors; id++ {
		charger.evses = append(charger.evses, NewEVSE(id, model.PowerType, model.MaxPower, model.Voltage))
	}
	charger.config.ApplyStored(model.Configuration)
	return charger
}

// StoredModel rebuilds the persistence model of the charger, including the
// current configuration values.
func (ch *Charger) StoredModel() models.ChargePoint {
	model := models.ChargePoint{
		Id:              ch.Id,
		IsEnabled:       true,
		Title:           ch.Title,
		LocationId:      ch.LocationId,
		Address:         ch.Address,
		SecurityProfile: ch.SecurityProfile,
		Password:        ch.Password,
		Vendor:          ch.Vendor,
		Model:           ch.Model,
		FirmwareVersion: ch.FirmwareVersion,
		PowerType:       ch.PowerType,
		Connectors:      len(ch.evses),
		Configuration:   ch.config.Values(),
	}
	if len(ch.evses) > 0 {
		model.MaxPower = ch.evses[0].MaxPower()
		model.Voltage = ch.evses[0].NominalVoltage()
	}
	return model
}

func (ch *Charger) SetVehicleResolver(resolver VehicleResolver) {
	if resolver != nil {
		ch.resolver = resolver
	}
}

func (ch *Charger) SetEventHandler(events internal.EventHandler) {
	ch.events = events
}

func (ch *Charger) Config() *ConfigStore {
	return ch.config
}

func (ch *Charger) Evses() []*EVSE {
	return ch.evses
}

// Evse returns the EVSE with the given connector id or nil.
func (ch *Charger) Evse(connectorId int) *EVSE {
	for _, e := range ch.evses {
		if e.Id == connectorId {
			return e
		}
	}
	return nil
}

// EvseByTransaction returns the EVSE owning the given transaction id or nil.
func (ch *Charger) EvseByTransaction(transactionId int) *EVSE {
	for _, e := range ch.evses {
		if e.TransactionId() == transactionId {
			return e
		}
	}
	return nil
}

func (ch *Charger) Connection() *Connection {
	ch.mux.Lock()
	defer ch.mux.Unlock()
	return ch.connection
}

func (ch *Charger) IsConnected() bool {
	conn := ch.Connection()
	return conn != nil && conn.IsConnected()
}

// Connect starts the connection task. Idempotent while the connection is
// already connecting or connected.
func (ch *Charger) Connect() {
	ch.mux.Lock()
	if ch.connection != nil {
		switch ch.connection.Status() {
		case ConnectionConnecting, ConnectionConnected:
			ch.mux.Unlock()
			return
		}
	}
	conn := newConnection(ch)
	ctx, cancel := context.WithCancel(context.Background())
	conn.cancel = cancel
	ch.connection = conn
	ch.mux.Unlock()
	go conn.run(ctx)
}

// Disconnect cancels the connection task and every tick loop of this
// charger, then awaits their completion.
func (ch *Charger) Disconnect() {
	ch.mux.Lock()
	conn := ch.connection
	ch.connection = nil
	ch.mux.Unlock()
	if conn != nil {
		conn.shutdown()
	}
	ch.stopAllMetering()
	ch.taskWg.Wait()
}

// goTracked spawns a supervised background task, retained so disconnect or
// deletion can await it.
func (ch *Charger) goTracked(task func()) {
	ch.taskWg.Add(1)
	go func() {
		defer ch.taskWg.Done()
		task()
	}()
}

// notifyStatus reports the EVSE state to the CSMS and the event listeners.
// Only called after accepted transitions.
func (ch *Charger) notifyStatus(e *EVSE) {
	state := e.State()
	if conn := ch.Connection(); conn != nil {
		if err := conn.SendStatusNotification(e); err != nil {
			ch.logger.Error("status notification for "+ch.Id, err)
		}
	}
	if ch.events != nil {
		ch.events.OnStatusNotification(&internal.EventMessage{
			Type:          "status",
			ChargePointId: ch.Id,
			ConnectorId:   e.Id,
			Time:          time.Now(),
			TransactionId: e.TransactionId(),
			Status:        string(state),
		})
	}
}

func (ch *Charger) appendLog(direction, messageType, payload string) {
	record := LogRecord{
		Id:          utility.NewUUID(),
		Timestamp:   types.Now(),
		Direction:   direction,
		MessageType: messageType,
		Payload:     payload,
	}
	ch.logMux.Lock()
	ch.ocppLog = append(ch.ocppLog, record)
	ch.logMux.Unlock()
}

// OcppLog returns a copy of the session message log.
func (ch *Charger) OcppLog() []LogRecord {
	ch.logMux.Lock()
	defer ch.logMux.Unlock()
	log := make([]LogRecord, len(ch.ocppLog))
	copy(log, ch.ocppLog)
	return log
}

type ChargerSnapshot struct {
	Id              string         `json:"charge_point_id"`
	Title           string         `json:"title,omitempty"`
	LocationId      string         `json:"location_id,omitempty"`
	Address         string         `json:"address"`
	Vendor          string         `json:"vendor"`
	Model           string         `json:"model"`
	FirmwareVersion string         `json:"firmware_version"`
	PowerType       string         `json:"power_type"`
	Connected       bool           `json:"connected"`
	ConnectionState string         `json:"connection_state"`
	Evses           []EvseSnapshot `json:"evses"`
}

func (ch *Charger) Snapshot() ChargerSnapshot {
	state := ConnectionDisconnected
	if conn := ch.Connection(); conn != nil {
		state = conn.Status()
	}
	snapshot := ChargerSnapshot{
		Id:              ch.Id,
		Title:           ch.Title,
		LocationId:      ch.LocationId,
		Address:         ch.Address,
		Vendor:          ch.Vendor,
		Model:           ch.Model,
		FirmwareVersion: ch.FirmwareVersion,
		PowerType:       ch.PowerType,
		Connected:       state == ConnectionConnected,
		ConnectionState: string(state),
	}
	for _, e := range ch.evses {
		snapshot.Evses = append(snapshot.Evses, e.Snapshot())
	}
	return snapshot
}

// buildConnectionUrl joins the CSMS address and the charge point id the
// way OCPP-J endpoints expect.
func buildConnectionUrl(address, chargePointId string) string {
	return strings.TrimRight(address, "/") + "/" + chargePointId
}
