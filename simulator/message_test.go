package simulator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cpsim/ocpp/core"
	"cpsim/utility"
)

func TestCallFraming(t *testing.T) {
	call := &Call{
		UniqueId: "abc-123",
		Action:   core.HeartbeatFeatureName,
		Payload:  core.NewHeartbeatRequest(),
	}
	data, err := call.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[2,"abc-123","Heartbeat",{}]`, string(data))
}

func TestCallResultFraming(t *testing.T) {
	result := &CallResult{
		UniqueId: "abc-123",
		Payload:  &core.ChangeConfigurationResponse{Status: core.ConfigurationStatusAccepted},
	}
	data, err := result.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[3,"abc-123",{"status":"Accepted"}]`, string(data))
}

func TestCallErrorFraming(t *testing.T) {
	callError := &CallError{
		UniqueId:         "abc-123",
		ErrorCode:        ErrorCodeNotImplemented,
		ErrorDescription: "no such action",
	}
	data, err := callError.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[4,"abc-123","NotImplemented","no such action",{}]`, string(data))
}

func parseFrame(t *testing.T, raw string) []interface{} {
	t.Helper()
	fields, err := utility.ParseJson([]byte(raw))
	require.NoError(t, err)
	return fields
}

func TestMessageType(t *testing.T) {
	typeId, err := MessageType(parseFrame(t, `[2,"id","Heartbeat",{}]`))
	require.NoError(t, err)
	assert.Equal(t, CallTypeRequest, typeId)

	_, err = MessageType(parseFrame(t, `[9,"id",{}]`))
	assert.Error(t, err)

	_, err = MessageType(parseFrame(t, `["2","id",{}]`))
	assert.Error(t, err, "message type id must be numeric")
}

func TestParseInboundCallKnownAction(t *testing.T) {
	fields := parseFrame(t, `[2,"req-1","ChangeConfiguration",{"key":"HeartbeatInterval","value":"60"}]`)
	call, err := ParseInboundCall(fields)
	require.NoError(t, err)
	assert.Equal(t, "req-1", call.UniqueId)
	assert.Equal(t, "ChangeConfiguration", call.Action)

	request, ok := call.Payload.(*core.ChangeConfigurationRequest)
	require.True(t, ok)
	assert.Equal(t, "HeartbeatInterval", request.Key)
	assert.Equal(t, "60", request.Value)
}

func TestParseInboundCallUnknownAction(t *testing.T) {
	fields := parseFrame(t, `[2,"req-2","Reset",{"type":"Soft"}]`)
	call, err := ParseInboundCall(fields)
	require.NoError(t, err)
	assert.Equal(t, "req-2", call.UniqueId)
	assert.Equal(t, "Reset", call.Action)
	assert.Nil(t, call.Payload, "unknown actions carry no payload and get a NotImplemented reply")
}

func TestParseInboundCallMalformed(t *testing.T) {
	_, err := ParseInboundCall(parseFrame(t, `[2,"req-3","Heartbeat"]`))
	assert.Error(t, err)

	_, err = ParseInboundCall(parseFrame(t, `[2,17,"Heartbeat",{}]`))
	assert.Error(t, err)
}

func TestParseInboundResult(t *testing.T) {
	fields := parseFrame(t, `[3,"req-4",{"transactionId":55,"idTagInfo":{"status":"Accepted"}}]`)
	result, err := ParseInboundResult(CallTypeResult, fields)
	require.NoError(t, err)
	require.NoError(t, result.Err)
	assert.Equal(t, "req-4", result.UniqueId)

	var response core.StartTransactionResponse
	require.NoError(t, json.Unmarshal(result.Payload, &response))
	assert.Equal(t, 55, response.TransactionId)
}

func TestParseInboundResultCallError(t *testing.T) {
	fields := parseFrame(t, `[4,"req-5","InternalError","boom",{}]`)
	result, err := ParseInboundResult(CallTypeError, fields)
	require.NoError(t, err)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "InternalError")
	assert.Contains(t, result.Err.Error(), "boom")
}

func TestParseMessageType(t *testing.T) {
	assert.Equal(t, "StartTransaction", ParseMessageType([]byte(`[2,"id","StartTransaction",{}]`)))
	assert.Equal(t, "CallResult", ParseMessageType([]byte(`[3,"id",{}]`)))
	assert.Equal(t, "CallError", ParseMessageType([]byte(`[4,"id","InternalError","",{}]`)))
	assert.Equal(t, "Unknown", ParseMessageType([]byte(`not json`)))
}
