package simulator

import (
	"fmt"
	"sync"

	"cpsim/ocpp/core"
	"cpsim/types"
)

type EvseState string

// EVSE connector states per OCPP 1.6 StatusNotification.
const (
	EvseAvailable     EvseState = "Available"
	EvsePreparing     EvseState = "Preparing"
	EvseCharging      EvseState = "Charging"
	EvseSuspendedEV   EvseState = "SuspendedEV"
	EvseSuspendedEVSE EvseState = "SuspendedEVSE"
	EvseFinishing     EvseState = "Finishing"
	EvseFaulted       EvseState = "Faulted"
	EvseUnavailable   EvseState = "Unavailable"
)

func (s EvseState) Status() core.ChargePointStatus {
	return core.ChargePointStatus(s)
}

// sessionActive reports whether the state represents an active session,
// which is exactly when a transaction id must be present.
func (s EvseState) sessionActive() bool {
	switch s {
	case EvseCharging, EvseSuspendedEV, EvseSuspendedEVSE, EvseFinishing:
		return true
	}
	return false
}

var validTransitions = map[EvseState][]EvseState{
	EvseAvailable:     {EvsePreparing, EvseUnavailable},
	EvsePreparing:     {EvseCharging, EvseAvailable, EvseFaulted, EvseUnavailable},
	EvseCharging:      {EvseFinishing, EvseSuspendedEV, EvseSuspendedEVSE, EvseFaulted, EvseUnavailable},
	EvseSuspendedEV:   {EvseCharging, EvseFinishing, EvseFaulted, EvseUnavailable},
	EvseSuspendedEVSE: {EvseCharging, EvseFinishing, EvseFaulted, EvseUnavailable},
	EvseFinishing:     {EvseAvailable, EvseFaulted, EvseUnavailable},
	EvseFaulted:       {EvseAvailable, EvseUnavailable},
	EvseUnavailable:   {EvseAvailable},
}

type InvalidTransitionError struct {
	From EvseState
	To   EvseState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

const (
	PowerTypeAC = "AC"
	PowerTypeDC = "DC"

	defaultMaxPower       = 22000.0
	defaultNominalVoltage = 230.0
	noTransaction         = -1
)

// EVSE is a single connector: state machine plus internal meter state.
// All mutating operations take the connector mutex, so commands arriving
// from the CSMS, scenarios and the control API cannot interleave.
type EVSE struct {
	mux sync.Mutex

	Id        int
	powerType string

	state         EvseState
	transactionId int
	idTag         string
	sessionStart  *types.DateTime

	energy         float64 // Wh, never decreases
	power          float64 // W
	voltage        float64 // V
	current        float64 // A
	maxPower       float64 // W
	nominalVoltage float64 // V
	limit          float64 // W, applied by SetChargingProfile; 0 = unset

	soc             float64 // percent
	startSoc        float64
	batteryCapacity float64 // Wh
	sessionEnergy0  float64 // energy register at StartTransaction
}

func NewEVSE(id int, powerType string, maxPower, voltage float64) *EVSE {
	if maxPower <= 0 {
		maxPower = defaultMaxPower
	}
	if voltage <= 0 {
		voltage = defaultNominalVoltage
	}
	return &EVSE{
		Id:              id,
		powerType:       powerType,
		state:           EvseAvailable,
		transactionId:   noTransaction,
		voltage:         voltage,
		maxPower:        maxPower,
		nominalVoltage:  voltage,
		soc:             20.0,
		startSoc:        20.0,
		batteryCapacity: 100_000.0,
	}
}

func (e *EVSE) State() EvseState {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.state
}

// TransitionTo validates and performs a state transition. On refusal the
// state is left untouched and an InvalidTransitionError is returned.
func (e *EVSE) TransitionTo(to EvseState) error {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.transitionLocked(to)
}

func (e *EVSE) transitionLocked(to EvseState) error {
	if !transitionAllowed(e.state, to) {
		return &InvalidTransitionError{From: e.state, To: to}
	}
	e.state = to
	return nil
}

// CanTransitionTo checks a transition without applying it.
func (e *EVSE) CanTransitionTo(to EvseState) bool {
	e.mux.Lock()
	defer e.mux.Unlock()
	return transitionAllowed(e.state, to)
}

func transitionAllowed(from, to EvseState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (e *EVSE) HasTransaction() bool {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.transactionId != noTransaction
}

func (e *EVSE) TransactionId() int {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.transactionId
}

func (e *EVSE) IdTag() string {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.idTag
}

// StartSession records the transaction start: id, tag, session timestamp
// and the battery parameters resolved for the plugged-in vehicle.
func (e *EVSE) StartSession(transactionId int, idTag string, startSoc, batteryCapacityWh float64) {
	e.mux.Lock()
	defer e.mux.Unlock()
	e.transactionId = transactionId
	e.idTag = idTag
	e.sessionStart = types.Now()
	e.sessionEnergy0 = e.energy
	e.startSoc = startSoc
	e.soc = startSoc
	if batteryCapacityWh > 0 {
		e.batteryCapacity = batteryCapacityWh
	}
}

// EndSession clears the transaction after StopTransaction. The energy
// register stays monotonic across sessions.
func (e *EVSE) EndSession() {
	e.mux.Lock()
	defer e.mux.Unlock()
	e.transactionId = noTransaction
	e.idTag = ""
	e.sessionStart = nil
	e.power = 0
	e.current = 0
}

// ApplyLimit stores the watt limit from SetChargingProfile; it takes
// effect on the next meter tick.
func (e *EVSE) ApplyLimit(limitW float64) {
	e.mux.Lock()
	defer e.mux.Unlock()
	if limitW < 0 {
		limitW = 0
	}
	e.limit = limitW
}

func (e *EVSE) Limit() float64 {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.limit
}

func (e *EVSE) EnergyWh() float64 {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.energy
}

func (e *EVSE) PowerW() float64 {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.power
}

func (e *EVSE) Soc() float64 {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.soc
}

func (e *EVSE) NominalVoltage() float64 {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.nominalVoltage
}

func (e *EVSE) MaxPower() float64 {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.maxPower
}

type EvseSnapshot struct {
	ConnectorId   int             `json:"connector_id"`
	Status        string          `json:"status"`
	TransactionId *int            `json:"transaction_id,omitempty"`
	IdTag         string          `json:"id_tag,omitempty"`
	SessionStart  *types.DateTime `json:"session_start,omitempty"`
	EnergyWh      float64         `json:"energy_wh"`
	PowerW        float64         `json:"power_w"`
	VoltageV      float64         `json:"voltage_v"`
	CurrentA      float64         `json:"current_a"`
	SocPct        float64         `json:"soc_pct"`
	LimitW        float64         `json:"limit_w,omitempty"`
}

func (e *EVSE) Snapshot() EvseSnapshot {
	e.mux.Lock()
	defer e.mux.Unlock()
	snapshot := EvseSnapshot{
		ConnectorId:  e.Id,
		Status:       string(e.state),
		IdTag:        e.idTag,
		SessionStart: e.sessionStart,
		EnergyWh:     e.energy,
		PowerW:       e.power,
		VoltageV:     e.voltage,
		CurrentA:     e.current,
		SocPct:       e.soc,
		LimitW:       e.limit,
	}
	if e.transactionId != noTransaction {
		id := e.transactionId
		snapshot.TransactionId = &id
	}
	return snapshot
}
