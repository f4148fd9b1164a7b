package simulator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cpsim/models"
	"cpsim/types"
)

// fakeCsms is a minimal central system: it answers every outbound call of
// the simulator and lets tests push CSMS-initiated calls.
type fakeCsms struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn

	authStatus        types.AuthorizationStatus
	nextTransactionId int

	actions   chan string
	responses chan []interface{}
}

func newFakeCsms(t *testing.T) *fakeCsms {
	f := &fakeCsms{
		t:                 t,
		upgrader:          websocket.Upgrader{Subprotocols: []string{types.SubProtocol16}},
		authStatus:        types.AuthorizationStatusAccepted,
		nextTransactionId: 1000,
		actions:           make(chan string, 100),
		responses:         make(chan []interface{}, 100),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeCsms) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeCsms) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var fields []interface{}
		if err = json.Unmarshal(data, &fields); err != nil || len(fields) < 3 {
			continue
		}
		typeId, _ := fields[0].(float64)
		switch int(typeId) {
		case 2:
			f.answerCall(fields)
		case 3, 4:
			f.responses <- fields
		}
	}
}

func (f *fakeCsms) answerCall(fields []interface{}) {
	uniqueId, _ := fields[1].(string)
	action, _ := fields[2].(string)
	f.actions <- action

	var payload interface{}
	switch action {
	case "BootNotification":
		payload = map[string]interface{}{
			"status":      "Accepted",
			"currentTime": time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			"interval":    300,
		}
	case "Authorize":
		payload = map[string]interface{}{
			"idTagInfo": map[string]interface{}{"status": string(f.authStatus)},
		}
	case "StartTransaction":
		f.mu.Lock()
		f.nextTransactionId++
		transactionId := f.nextTransactionId
		f.mu.Unlock()
		payload = map[string]interface{}{
			"transactionId": transactionId,
			"idTagInfo":     map[string]interface{}{"status": string(f.authStatus)},
		}
	default:
		// StatusNotification, Heartbeat, StopTransaction, MeterValues
		payload = map[string]interface{}{}
	}
	f.write([]interface{}{3, uniqueId, payload})
}

func (f *fakeCsms) write(frame []interface{}) {
	data, err := json.Marshal(frame)
	require.NoError(f.t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotNil(f.t, f.conn)
	require.NoError(f.t, f.conn.WriteMessage(websocket.TextMessage, data))
}

// push sends a CSMS-initiated call to the connected charger.
func (f *fakeCsms) push(uniqueId, action string, payload interface{}) {
	f.write([]interface{}{2, uniqueId, action, payload})
}

func (f *fakeCsms) waitAction(name string) {
	f.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case action := <-f.actions:
			if action == name {
				return
			}
		case <-deadline:
			f.t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func (f *fakeCsms) waitResponse() []interface{} {
	f.t.Helper()
	select {
	case fields := <-f.responses:
		return fields
	case <-time.After(3 * time.Second):
		f.t.Fatal("timed out waiting for a response frame")
		return nil
	}
}

func connectedCharger(t *testing.T, csms *fakeCsms) *Charger {
	t.Helper()
	ch := NewCharger(models.ChargePoint{
		Id:         "cp-test",
		LocationId: "loc-test",
		Address:    csms.url(),
		Connectors: 2,
	}, &testLogger{}, Settings{
		ResponseTimeout: 3 * time.Second,
		BackoffBase:     100 * time.Millisecond,
		BackoffMax:      time.Second,
	})
	ch.Connect()
	t.Cleanup(ch.Disconnect)

	deadline := time.Now().Add(3 * time.Second)
	for !ch.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, ch.IsConnected())
	return ch
}

func TestConnectionAnnounceSequence(t *testing.T) {
	csms := newFakeCsms(t)
	ch := connectedCharger(t, csms)

	csms.waitAction("BootNotification")
	csms.waitAction("StatusNotification")
	csms.waitAction("StatusNotification")

	ch.Disconnect()
	assert.False(t, ch.IsConnected())
	assert.Nil(t, ch.Connection())
}

func TestConnectionConnectIdempotent(t *testing.T) {
	csms := newFakeCsms(t)
	ch := connectedCharger(t, csms)
	conn := ch.Connection()
	ch.Connect()
	assert.Same(t, conn, ch.Connection(), "connect while connected must not replace the connection")
}

func TestStartAndStopTransaction(t *testing.T) {
	csms := newFakeCsms(t)
	ch := connectedCharger(t, csms)
	csms.waitAction("BootNotification")

	conn := ch.Connection()
	require.NoError(t, conn.StartTransaction(1, "TAG-1"))
	csms.waitAction("Authorize")
	csms.waitAction("StartTransaction")

	evse := ch.Evse(1)
	assert.Equal(t, EvseCharging, evse.State())
	assert.True(t, evse.HasTransaction())
	assert.Equal(t, 1001, evse.TransactionId())
	assert.Equal(t, "TAG-1", evse.IdTag())

	require.NoError(t, conn.StopTransaction(1, types.ReasonLocal))
	csms.waitAction("StopTransaction")
	assert.Equal(t, EvseAvailable, evse.State())
	assert.False(t, evse.HasTransaction())
}

func TestStopTransactionRefusesConnectorAlreadyFinishing(t *testing.T) {
	csms := newFakeCsms(t)
	ch := connectedCharger(t, csms)
	conn := ch.Connection()

	require.NoError(t, conn.StartTransaction(1, "TAG-1"))
	csms.waitAction("StartTransaction")

	// another stop owns the connector
	evse := ch.Evse(1)
	require.NoError(t, evse.TransitionTo(EvseFinishing))

	err := conn.StopTransaction(1, types.ReasonLocal)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in progress")
	assert.True(t, evse.HasTransaction(), "the owning stop still holds the session")

	// only one StopTransaction frame may ever reach the wire
	require.NoError(t, evse.TransitionTo(EvseAvailable))
	require.NoError(t, evse.TransitionTo(EvsePreparing))
	require.NoError(t, evse.TransitionTo(EvseCharging))
	require.NoError(t, conn.StopTransaction(1, types.ReasonLocal))
	csms.waitAction("StopTransaction")
	for {
		select {
		case action := <-csms.actions:
			assert.NotEqual(t, "StopTransaction", action)
			continue
		default:
		}
		break
	}
}

func TestStartTransactionRejectsBusyConnector(t *testing.T) {
	csms := newFakeCsms(t)
	ch := connectedCharger(t, csms)
	conn := ch.Connection()

	require.NoError(t, conn.StartTransaction(1, "TAG-1"))
	assert.Error(t, conn.StartTransaction(1, "TAG-2"))
	assert.Error(t, conn.StartTransaction(99, "TAG-3"), "unknown connector")
}

func TestStartTransactionRevertsOnRejectedAuth(t *testing.T) {
	csms := newFakeCsms(t)
	csms.authStatus = types.AuthorizationStatusInvalid
	ch := connectedCharger(t, csms)
	conn := ch.Connection()

	err := conn.StartTransaction(1, "TAG-BAD")
	require.Error(t, err)
	evse := ch.Evse(1)
	assert.Equal(t, EvseAvailable, evse.State())
	assert.False(t, evse.HasTransaction())
}

func TestStartTransactionSkipsAuthorizeWhenDisabled(t *testing.T) {
	csms := newFakeCsms(t)
	ch := connectedCharger(t, csms)
	ch.Config().Set("OCPPAuthorizationEnabled", "false")
	require.NoError(t, ch.Connection().StartTransaction(1, "TAG-1"))

	// drain observed actions: Authorize must not be among them
	for {
		select {
		case action := <-csms.actions:
			assert.NotEqual(t, "Authorize", action)
			continue
		default:
		}
		break
	}
}

func TestInboundChangeConfiguration(t *testing.T) {
	csms := newFakeCsms(t)
	ch := connectedCharger(t, csms)
	csms.waitAction("BootNotification")

	csms.push("srv-1", "ChangeConfiguration", map[string]string{
		"key": "HeartbeatInterval", "value": "60",
	})
	fields := csms.waitResponse()
	require.Len(t, fields, 3)
	assert.Equal(t, "srv-1", fields[1])
	payload, _ := json.Marshal(fields[2])
	assert.JSONEq(t, `{"status":"Accepted"}`, string(payload))
	assert.Equal(t, time.Minute, ch.Config().HeartbeatInterval())
}

func TestInboundGetConfiguration(t *testing.T) {
	csms := newFakeCsms(t)
	_ = connectedCharger(t, csms)

	csms.push("srv-2", "GetConfiguration", map[string]interface{}{
		"key": []string{"HeartbeatInterval", "NoSuchKey"},
	})
	fields := csms.waitResponse()
	require.Len(t, fields, 3)
	payload, _ := json.Marshal(fields[2])
	var response struct {
		ConfigurationKey []map[string]interface{} `json:"configurationKey"`
		UnknownKey       []string                 `json:"unknownKey"`
	}
	require.NoError(t, json.Unmarshal(payload, &response))
	require.Len(t, response.ConfigurationKey, 1)
	assert.Equal(t, "HeartbeatInterval", response.ConfigurationKey[0]["key"])
	assert.Equal(t, []string{"NoSuchKey"}, response.UnknownKey)
}

func TestInboundUnknownActionAnsweredNotImplemented(t *testing.T) {
	csms := newFakeCsms(t)
	_ = connectedCharger(t, csms)

	csms.push("srv-3", "Reset", map[string]string{"type": "Soft"})
	fields := csms.waitResponse()
	require.GreaterOrEqual(t, len(fields), 4)
	assert.Equal(t, float64(4), fields[0])
	assert.Equal(t, "srv-3", fields[1])
	assert.Equal(t, "NotImplemented", fields[2])
}

func TestInboundRemoteStartTransaction(t *testing.T) {
	csms := newFakeCsms(t)
	ch := connectedCharger(t, csms)

	csms.push("srv-4", "RemoteStartTransaction", map[string]string{"idTag": "TAG-R"})
	fields := csms.waitResponse()
	payload, _ := json.Marshal(fields[2])
	assert.JSONEq(t, `{"status":"Accepted"}`, string(payload))

	csms.waitAction("StartTransaction")
	deadline := time.Now().Add(3 * time.Second)
	evse := ch.Evse(1)
	for evse.State() != EvseCharging && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, EvseCharging, evse.State())
	assert.Equal(t, "TAG-R", evse.IdTag())
}

func TestInboundRemoteStopTransaction(t *testing.T) {
	csms := newFakeCsms(t)
	ch := connectedCharger(t, csms)
	conn := ch.Connection()
	require.NoError(t, conn.StartTransaction(1, "TAG-1"))
	transactionId := ch.Evse(1).TransactionId()

	csms.push("srv-5", "RemoteStopTransaction", map[string]int{"transactionId": transactionId})
	fields := csms.waitResponse()
	payload, _ := json.Marshal(fields[2])
	assert.JSONEq(t, `{"status":"Accepted"}`, string(payload))

	csms.waitAction("StopTransaction")
	deadline := time.Now().Add(3 * time.Second)
	evse := ch.Evse(1)
	for evse.HasTransaction() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, evse.HasTransaction())

	// a stop for an unknown transaction is rejected
	csms.push("srv-6", "RemoteStopTransaction", map[string]int{"transactionId": 424242})
	fields = csms.waitResponse()
	payload, _ = json.Marshal(fields[2])
	assert.JSONEq(t, `{"status":"Rejected"}`, string(payload))
}

func TestInboundSetChargingProfile(t *testing.T) {
	csms := newFakeCsms(t)
	ch := connectedCharger(t, csms)

	csms.push("srv-7", "SetChargingProfile", map[string]interface{}{
		"connectorId": 1,
		"csChargingProfiles": map[string]interface{}{
			"chargingProfileId":      1,
			"stackLevel":             0,
			"chargingProfilePurpose": "TxProfile",
			"chargingProfileKind":    "Absolute",
			"chargingSchedule": map[string]interface{}{
				"chargingRateUnit":       "W",
				"chargingSchedulePeriod": []map[string]interface{}{{"startPeriod": 0, "limit": 11000}},
			},
		},
	})
	fields := csms.waitResponse()
	payload, _ := json.Marshal(fields[2])
	assert.JSONEq(t, `{"status":"Accepted"}`, string(payload))
	assert.InDelta(t, 11000.0, ch.Evse(1).Limit(), 0.001)

	// ampere limits are converted using the nominal voltage
	csms.push("srv-8", "SetChargingProfile", map[string]interface{}{
		"connectorId": 1,
		"csChargingProfiles": map[string]interface{}{
			"chargingProfileId":      2,
			"stackLevel":             0,
			"chargingProfilePurpose": "TxProfile",
			"chargingProfileKind":    "Absolute",
			"chargingSchedule": map[string]interface{}{
				"chargingRateUnit":       "A",
				"chargingSchedulePeriod": []map[string]interface{}{{"startPeriod": 0, "limit": 16}},
			},
		},
	})
	csms.waitResponse()
	assert.InDelta(t, 16*230.0, ch.Evse(1).Limit(), 0.001)

	// missing schedule is rejected
	csms.push("srv-9", "SetChargingProfile", map[string]interface{}{
		"connectorId":        2,
		"csChargingProfiles": map[string]interface{}{"chargingProfileId": 3, "stackLevel": 0},
	})
	fields = csms.waitResponse()
	payload, _ = json.Marshal(fields[2])
	assert.JSONEq(t, `{"status":"Rejected"}`, string(payload))
}

func TestSessionLogRecordsTraffic(t *testing.T) {
	csms := newFakeCsms(t)
	ch := connectedCharger(t, csms)
	csms.waitAction("BootNotification")

	records := ch.OcppLog()
	require.NotEmpty(t, records)
	var sawOutgoingBoot bool
	for _, record := range records {
		if record.Direction == "outgoing" && record.MessageType == "BootNotification" {
			sawOutgoingBoot = true
		}
	}
	assert.True(t, sawOutgoingBoot)
}

func TestBuildConnectionUrl(t *testing.T) {
	assert.Equal(t, "ws://host/ws/cp-1", buildConnectionUrl("ws://host/ws", "cp-1"))
	assert.Equal(t, "ws://host/ws/cp-1", buildConnectionUrl("ws://host/ws/", "cp-1"))
}

func TestCallTimesOutWithoutResponse(t *testing.T) {
	// a server that accepts the socket but never answers
	upgrader := websocket.Upgrader{Subprotocols: []string{types.SubProtocol16}}
	mute := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(mute.Close)

	ch := NewCharger(models.ChargePoint{
		Id:         "cp-mute",
		LocationId: "loc-test",
		Address:    "ws" + strings.TrimPrefix(mute.URL, "http"),
		Connectors: 1,
	}, &testLogger{}, Settings{
		ResponseTimeout: 200 * time.Millisecond,
		BackoffBase:     100 * time.Millisecond,
		BackoffMax:      time.Second,
	})
	ch.Connect()
	t.Cleanup(ch.Disconnect)
	deadline := time.Now().Add(3 * time.Second)
	for !ch.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, ch.IsConnected())

	start := time.Now()
	err := ch.Connection().StartTransaction(1, "TAG-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, EvseAvailable, ch.Evse(1).State())
}
