package simulator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cpsim/internal"
	"cpsim/metrics/counters"
	"cpsim/ocpp"
	"cpsim/ocpp/core"
	"cpsim/ocpp/smartcharging"
	"cpsim/types"
	"cpsim/utility"
)

type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "Disconnected"
	ConnectionConnecting   ConnectionStatus = "Connecting"
	ConnectionConnected    ConnectionStatus = "Connected"
	ConnectionClosing      ConnectionStatus = "Closing"
)

// Connection is the OCPP-J protocol state machine of one charger: the
// websocket lifecycle with uncapped reconnect backoff, outbound
// request/response correlation and the inbound command handlers.
type Connection struct {
	charger *Charger
	logger  internal.LogHandler

	statusMux sync.Mutex
	status    ConnectionStatus
	conn      *websocket.Conn

	writeMux sync.Mutex

	pendingMux sync.Mutex
	pending    map[string]chan *InboundResult

	responseTimeout time.Duration
	backoffBase     time.Duration
	backoffMax      time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func newConnection(ch *Charger) *Connection {
	settings := ch.settings
	if settings.ResponseTimeout <= 0 {
		settings = DefaultSettings()
	}
	return &Connection{
		charger:         ch,
		logger:          ch.logger,
		status:          ConnectionDisconnected,
		pending:         make(map[string]chan *InboundResult),
		responseTimeout: settings.ResponseTimeout,
		backoffBase:     settings.BackoffBase,
		backoffMax:      settings.BackoffMax,
		done:            make(chan struct{}),
	}
}

func (c *Connection) Status() ConnectionStatus {
	c.statusMux.Lock()
	defer c.statusMux.Unlock()
	return c.status
}

func (c *Connection) IsConnected() bool {
	return c.Status() == ConnectionConnected
}

func (c *Connection) setStatus(status ConnectionStatus) {
	c.statusMux.Lock()
	c.status = status
	c.statusMux.Unlock()
}

func (c *Connection) setConn(conn *websocket.Conn) {
	c.statusMux.Lock()
	c.conn = conn
	c.statusMux.Unlock()
}

func (c *Connection) socket() *websocket.Conn {
	c.statusMux.Lock()
	defer c.statusMux.Unlock()
	return c.conn
}

// run is the long-running connect loop: dial with exponential backoff,
// announce, then read until the socket drops. Attempts are never capped;
// only the delay between them is.
func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	defer c.setStatus(ConnectionDisconnected)

	delay := c.backoffBase
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		c.setStatus(ConnectionConnecting)
		attempt++
		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn(fmt.Sprintf("connect attempt %d for %s failed: %s", attempt, c.charger.Id, err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.backoffMax {
				delay = c.backoffMax
			}
			continue
		}

		c.setConn(conn)
		c.setStatus(ConnectionConnected)
		counters.ConnectionOpened(c.charger.LocationId)
		c.logger.FeatureEvent("connection", c.charger.Id, "connected to "+c.charger.Address)
		delay = c.backoffBase

		sessionCtx, sessionCancel := context.WithCancel(ctx)
		go c.announce(sessionCtx)
		c.readLoop(conn)
		sessionCancel()

		counters.ConnectionClosed(c.charger.LocationId)
		c.setConn(nil)
		c.failPending(utility.Err("connection lost"))

		if ctx.Err() != nil {
			return
		}
		c.setStatus(ConnectionConnecting)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.backoffMax {
			delay = c.backoffMax
		}
	}
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{types.SubProtocol16},
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	if c.charger.SecurityProfile == SecurityProfileBasic {
		credentials := base64.StdEncoding.EncodeToString([]byte(c.charger.Id + ":" + c.charger.Password))
		header.Set("Authorization", "Basic "+credentials)
	}
	url := buildConnectionUrl(c.charger.Address, c.charger.Id)
	conn, _, err := dialer.DialContext(ctx, url, header)
	return conn, err
}

// shutdown stops the connect loop and closes the socket, then awaits the
// loop so no emission can happen after return.
func (c *Connection) shutdown() {
	c.setStatus(ConnectionClosing)
	if c.cancel != nil {
		c.cancel()
	}
	if conn := c.socket(); conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	<-c.done
}

// announce sends BootNotification and one StatusNotification per EVSE,
// then keeps the heartbeat going for the life of the session.
func (c *Connection) announce(ctx context.Context) {
	if err := c.sendBootNotification(); err != nil {
		c.logger.Error("boot notification for "+c.charger.Id, err)
	}
	for _, e := range c.charger.Evses() {
		if err := c.SendStatusNotification(e); err != nil {
			c.logger.Error("status notification for "+c.charger.Id, err)
		}
	}
	c.heartbeatLoop(ctx)
}

func (c *Connection) heartbeatLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.charger.Config().HeartbeatInterval()):
		}
		var response core.HeartbeatResponse
		if err := c.Call(core.HeartbeatFeatureName, core.NewHeartbeatRequest(), &response); err != nil {
			c.logger.Warn(fmt.Sprintf("heartbeat for %s: %s", c.charger.Id, err))
		}
	}
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug(fmt.Sprintf("%s leaving session", c.charger.Id))
			} else {
				c.logger.Debug(fmt.Sprintf("%s read failed: %s", c.charger.Id, err))
			}
			_ = conn.Close()
			return
		}
		c.logger.RawDataEvent("IN", string(data))
		c.charger.appendLog("incoming", ParseMessageType(data), string(data))
		c.handleMessage(data)
	}
}

// handleMessage dispatches one inbound frame. Malformed frames are
// answered with a CallError and cause no state change.
func (c *Connection) handleMessage(data []byte) {
	fields, err := utility.ParseJson(data)
	if err != nil || len(fields) < 3 {
		c.sendCallError(messageId(fields), ErrorCodeFormationViolation, "invalid message framing")
		return
	}
	callType, err := MessageType(fields)
	if err != nil {
		c.sendCallError(messageId(fields), ErrorCodeFormationViolation, err.Error())
		return
	}
	switch callType {
	case CallTypeResult, CallTypeError:
		result, err := ParseInboundResult(callType, fields)
		if err != nil {
			c.logger.Warn(fmt.Sprintf("invalid result frame from central system: %s", err))
			return
		}
		c.resolvePending(result)
	case CallTypeRequest:
		call, err := ParseInboundCall(fields)
		if err != nil {
			c.sendCallError(messageId(fields), ErrorCodeFormationViolation, err.Error())
			return
		}
		c.handleCall(call)
	}
}

func messageId(fields []interface{}) string {
	if len(fields) > 1 {
		if id, ok := fields[1].(string); ok {
			return id
		}
	}
	return "-1"
}

// handleCall runs one CSMS-initiated command and replies synchronously.
func (c *Connection) handleCall(call *InboundCall) {
	var response ocpp.Response
	switch request := call.Payload.(type) {
	case *core.AuthorizeRequest:
		// dummy handler: the CSMS authorizes, not the simulator
		response = core.NewAuthorizeResponse(types.NewIdTagInfo(types.AuthorizationStatusAccepted))
	case *core.GetConfigurationRequest:
		entries, unknown := c.charger.Config().Get(request.Key)
		response = &core.GetConfigurationResponse{ConfigurationKey: entries, UnknownKey: unknown}
	case *core.ChangeConfigurationRequest:
		status := c.charger.Config().Set(request.Key, request.Value)
		response = &core.ChangeConfigurationResponse{Status: status}
	case *smartcharging.SetChargingProfileRequest:
		response = c.onSetChargingProfile(request)
	case *core.RemoteStartTransactionRequest:
		response = c.onRemoteStartTransaction(request)
	case *core.RemoteStopTransactionRequest:
		response = c.onRemoteStopTransaction(request)
	default:
		c.sendCallError(call.UniqueId, ErrorCodeNotImplemented, fmt.Sprintf("action %s is not supported", call.Action))
		return
	}
	if err := c.sendCallResult(call.UniqueId, response); err != nil {
		c.logger.Error(fmt.Sprintf("sending %s response for %s", call.Action, c.charger.Id), err)
	}
}

// onSetChargingProfile reads the first schedule period, converts ampere
// limits to watts using the connector's nominal voltage and stores the
// limit on the EVSE meter state. The EVSE state is not changed.
func (c *Connection) onSetChargingProfile(request *smartcharging.SetChargingProfileRequest) ocpp.Response {
	evse := c.charger.Evse(request.ConnectorId)
	if evse == nil || request.ChargingProfile == nil {
		return &smartcharging.SetChargingProfileResponse{Status: smartcharging.ChargingProfileStatusRejected}
	}
	schedule := request.ChargingProfile.ChargingSchedule
	if schedule == nil || len(schedule.ChargingSchedulePeriod) == 0 {
		return &smartcharging.SetChargingProfileResponse{Status: smartcharging.ChargingProfileStatusRejected}
	}
	limit := schedule.ChargingSchedulePeriod[0].Limit
	if limit < 0 {
		return &smartcharging.SetChargingProfileResponse{Status: smartcharging.ChargingProfileStatusRejected}
	}
	if schedule.ChargingRateUnit == types.ChargingRateUnitAmperes {
		limit = limit * evse.NominalVoltage()
	}
	evse.ApplyLimit(limit)
	c.logger.FeatureEvent(smartcharging.SetChargingProfileFeatureName, c.charger.Id,
		fmt.Sprintf("connector %d limited to %.0f W", evse.Id, limit))
	return &smartcharging.SetChargingProfileResponse{Status: smartcharging.ChargingProfileStatusAccepted}
}

// onRemoteStartTransaction replies immediately and runs the start sequence
// in a tracked background task so the receive loop keeps processing
// further inbound messages.
func (c *Connection) onRemoteStartTransaction(request *core.RemoteStartTransactionRequest) ocpp.Response {
	var evse *EVSE
	if request.ConnectorId != nil {
		evse = c.charger.Evse(*request.ConnectorId)
	} else {
		for _, e := range c.charger.Evses() {
			if e.State() == EvseAvailable && !e.HasTransaction() {
				evse = e
				break
			}
		}
	}
	if evse == nil || evse.HasTransaction() {
		return &core.RemoteStartTransactionResponse{Status: types.RemoteStartStopStatusRejected}
	}
	connectorId := evse.Id
	idTag := request.IdTag
	c.charger.goTracked(func() {
		if err := c.StartTransaction(connectorId, idTag); err != nil {
			c.logger.Warn(fmt.Sprintf("remote start on %s connector %d: %s", c.charger.Id, connectorId, err))
		}
	})
	return &core.RemoteStartTransactionResponse{Status: types.RemoteStartStopStatusAccepted}
}

func (c *Connection) onRemoteStopTransaction(request *core.RemoteStopTransactionRequest) ocpp.Response {
	evse := c.charger.EvseByTransaction(request.TransactionId)
	if evse == nil {
		return &core.RemoteStopTransactionResponse{Status: types.RemoteStartStopStatusRejected}
	}
	connectorId := evse.Id
	c.charger.goTracked(func() {
		if err := c.StopTransaction(connectorId, types.ReasonRemote); err != nil {
			c.logger.Warn(fmt.Sprintf("remote stop on %s connector %d: %s", c.charger.Id, connectorId, err))
		}
	})
	return &core.RemoteStopTransactionResponse{Status: types.RemoteStartStopStatusAccepted}
}

// StartTransaction runs the full start sequence on one connector:
// Preparing, Authorize when enabled, StartTransaction, then Charging with
// the metering loop running. Any rejection or failure mid-flow reverts the
// EVSE to Available.
func (c *Connection) StartTransaction(connectorId int, idTag string) error {
	ch := c.charger
	evse := ch.Evse(connectorId)
	if evse == nil {
		return fmt.Errorf("unknown connector %d", connectorId)
	}
	if evse.HasTransaction() {
		return fmt.Errorf("connector %d is busy with transaction %d", connectorId, evse.TransactionId())
	}
	if err := evse.TransitionTo(EvsePreparing); err != nil {
		return err
	}
	ch.notifyStatus(evse)

	if ch.Config().AuthorizationEnabled() {
		info, err := c.authorize(idTag)
		if err != nil {
			c.revertToAvailable(evse)
			return fmt.Errorf("authorize failed: %w", err)
		}
		if info == nil || info.Status != types.AuthorizationStatusAccepted {
			c.revertToAvailable(evse)
			return utility.Err("authorization rejected for tag " + idTag)
		}
	}

	request := core.NewStartTransactionRequest(connectorId, idTag, int(evse.EnergyWh()))
	var response core.StartTransactionResponse
	if err := c.Call(core.StartTransactionFeatureName, request, &response); err != nil {
		c.revertToAvailable(evse)
		return fmt.Errorf("start transaction failed: %w", err)
	}
	if response.IdTagInfo == nil || response.IdTagInfo.Status != types.AuthorizationStatusAccepted || response.TransactionId <= 0 {
		c.revertToAvailable(evse)
		return utility.Err("start transaction rejected by central system")
	}

	capacityKWh, startSoc := ch.resolver.Resolve(idTag)
	evse.StartSession(response.TransactionId, idTag, startSoc, capacityKWh*1000.0)
	if err := evse.TransitionTo(EvseCharging); err != nil {
		evse.EndSession()
		c.revertToAvailable(evse)
		return err
	}
	ch.notifyStatus(evse)
	ch.startMetering(evse)
	counters.TransactionStarted(ch.LocationId)
	if ch.events != nil {
		ch.events.OnTransactionStart(&internal.EventMessage{
			Type:          "transaction_start",
			ChargePointId: ch.Id,
			ConnectorId:   connectorId,
			Time:          time.Now(),
			IdTag:         idTag,
			TransactionId: response.TransactionId,
			Status:        string(EvseCharging),
		})
	}
	c.logger.FeatureEvent(core.StartTransactionFeatureName, ch.Id,
		fmt.Sprintf("started transaction %d on connector %d", response.TransactionId, connectorId))
	return nil
}

// StopTransaction cancels metering, sends StopTransaction and returns the
// connector to Available.
func (c *Connection) StopTransaction(connectorId int, reason types.Reason) error {
	ch := c.charger
	evse := ch.Evse(connectorId)
	if evse == nil {
		return fmt.Errorf("unknown connector %d", connectorId)
	}
	if !evse.HasTransaction() {
		return fmt.Errorf("no active transaction on connector %d", connectorId)
	}

	ch.stopMetering(connectorId)
	if err := evse.TransitionTo(EvseFinishing); err != nil {
		// Faulted and Unavailable connectors still tear their session down;
		// a connector already in Finishing is owned by a concurrent stop
		if evse.State() == EvseFinishing || !evse.HasTransaction() {
			return fmt.Errorf("stop already in progress on connector %d", connectorId)
		}
	} else {
		ch.notifyStatus(evse)
	}
	transactionId := evse.TransactionId()

	request := core.NewStopTransactionRequest(transactionId, int(evse.EnergyWh()), reason)
	var response core.StopTransactionResponse
	if err := c.Call(core.StopTransactionFeatureName, request, &response); err != nil {
		c.logger.Warn(fmt.Sprintf("stop transaction %d on %s: %s", transactionId, ch.Id, err))
	}

	evse.EndSession()
	if err := evse.TransitionTo(EvseAvailable); err == nil {
		ch.notifyStatus(evse)
	}
	counters.TransactionStopped(ch.LocationId)
	if ch.events != nil {
		ch.events.OnTransactionStop(&internal.EventMessage{
			Type:          "transaction_stop",
			ChargePointId: ch.Id,
			ConnectorId:   connectorId,
			Time:          time.Now(),
			TransactionId: transactionId,
			Status:        string(EvseAvailable),
			Info:          string(reason),
		})
	}
	c.logger.FeatureEvent(core.StopTransactionFeatureName, ch.Id,
		fmt.Sprintf("stopped transaction %d on connector %d", transactionId, connectorId))
	return nil
}

func (c *Connection) revertToAvailable(evse *EVSE) {
	if err := evse.TransitionTo(EvseAvailable); err == nil {
		c.charger.notifyStatus(evse)
	}
}

func (c *Connection) authorize(idTag string) (*types.IdTagInfo, error) {
	var response core.AuthorizeResponse
	if err := c.Call(core.AuthorizeFeatureName, core.NewAuthorizeRequest(idTag), &response); err != nil {
		return nil, err
	}
	return response.IdTagInfo, nil
}

func (c *Connection) sendBootNotification() error {
	ch := c.charger
	request := core.NewBootNotificationRequest(ch.Vendor, ch.Model, ch.FirmwareVersion)
	var response core.BootNotificationResponse
	if err := c.Call(core.BootNotificationFeatureName, request, &response); err != nil {
		return err
	}
	if response.Status != core.RegistrationStatusAccepted {
		c.logger.Warn(fmt.Sprintf("boot notification for %s not accepted: %s", ch.Id, response.Status))
	}
	return nil
}

func (c *Connection) SendStatusNotification(evse *EVSE) error {
	request := core.NewStatusNotificationRequest(evse.Id, evse.State().Status())
	var response core.StatusNotificationResponse
	return c.Call(core.StatusNotificationFeatureName, request, &response)
}

func (c *Connection) SendMeterValues(connectorId, transactionId int, meterValue []types.MeterValue) error {
	request := core.NewMeterValuesRequest(connectorId, transactionId, meterValue)
	var response core.MeterValuesResponse
	return c.Call(core.MeterValuesFeatureName, request, &response)
}

// Call sends an outbound request and waits for the matching CallResult.
// A CallError or a response timeout comes back as an error; the caller
// treats it as a rejection, never as a crash.
func (c *Connection) Call(action string, request ocpp.Request, response interface{}) error {
	call := &Call{UniqueId: utility.NewUUID(), Action: action, Payload: request}
	data, err := call.MarshalJSON()
	if err != nil {
		return err
	}

	resultChan := make(chan *InboundResult, 1)
	c.pendingMux.Lock()
	c.pending[call.UniqueId] = resultChan
	c.pendingMux.Unlock()
	defer func() {
		c.pendingMux.Lock()
		delete(c.pending, call.UniqueId)
		c.pendingMux.Unlock()
	}()

	if err = c.write(data); err != nil {
		return err
	}

	select {
	case result := <-resultChan:
		if result.Err != nil {
			return result.Err
		}
		if response != nil {
			return json.Unmarshal(result.Payload, response)
		}
		return nil
	case <-time.After(c.responseTimeout):
		return fmt.Errorf("timeout waiting for %s response", action)
	}
}

func (c *Connection) resolvePending(result *InboundResult) {
	c.pendingMux.Lock()
	resultChan, ok := c.pending[result.UniqueId]
	if ok {
		delete(c.pending, result.UniqueId)
	}
	c.pendingMux.Unlock()
	if !ok {
		c.logger.Warn("unexpected result for unknown message id " + result.UniqueId)
		return
	}
	resultChan <- result
}

// failPending resolves every outstanding call with an error, used when the
// socket drops.
func (c *Connection) failPending(err error) {
	c.pendingMux.Lock()
	for id, resultChan := range c.pending {
		resultChan <- &InboundResult{UniqueId: id, Err: err}
		delete(c.pending, id)
	}
	c.pendingMux.Unlock()
}

func (c *Connection) sendCallResult(uniqueId string, response ocpp.Response) error {
	callResult := &CallResult{UniqueId: uniqueId, Payload: response}
	data, err := callResult.MarshalJSON()
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Connection) sendCallError(uniqueId, errorCode, description string) {
	callError := &CallError{UniqueId: uniqueId, ErrorCode: errorCode, ErrorDescription: description}
	data, err := callError.MarshalJSON()
	if err != nil {
		c.logger.Error("encoding call error", err)
		return
	}
	if err = c.write(data); err != nil {
		c.logger.Error("sending call error", err)
	}
}

func (c *Connection) write(data []byte) error {
	conn := c.socket()
	if conn == nil {
		return utility.Err("not connected")
	}
	c.logger.RawDataEvent("OUT", string(data))
	c.charger.appendLog("outgoing", ParseMessageType(data), string(data))
	c.writeMux.Lock()
	defer c.writeMux.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}
