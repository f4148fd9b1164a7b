package simulator

import (
	"encoding/json"
	"fmt"
	"reflect"

	"cpsim/ocpp"
	"cpsim/ocpp/core"
	"cpsim/ocpp/smartcharging"
	"cpsim/utility"
)

type CallType int

const (
	CallTypeRequest CallType = 2
	CallTypeResult  CallType = 3
	CallTypeError   CallType = 4
)

// OCPP-J error codes used in CallError replies.
const (
	ErrorCodeFormationViolation = "FormationViolation"
	ErrorCodeNotImplemented     = "NotImplemented"
	ErrorCodeInternalError      = "InternalError"
)

// Call An OCPP-J Call message, an outbound request to the central system.
type Call struct {
	UniqueId string
	Action   string
	Payload  ocpp.Request
}

func (call *Call) MarshalJSON() ([]byte, error) {
	fields := make([]interface{}, 4)
	fields[0] = int(CallTypeRequest)
	fields[1] = call.UniqueId
	fields[2] = call.Action
	fields[3] = call.Payload
	return json.Marshal(fields)
}

// CallResult An OCPP-J CallResult message, containing an OCPP Response.
type CallResult struct {
	UniqueId string
	Payload  ocpp.Response
}

func (callResult *CallResult) MarshalJSON() ([]byte, error) {
	fields := make([]interface{}, 3)
	fields[0] = int(CallTypeResult)
	fields[1] = callResult.UniqueId
	fields[2] = callResult.Payload
	return json.Marshal(fields)
}

// CallError An OCPP-J CallError message sent in reply to an unparseable or
// unsupported inbound Call.
type CallError struct {
	UniqueId         string
	ErrorCode        string
	ErrorDescription string
}

func (callError *CallError) MarshalJSON() ([]byte, error) {
	fields := make([]interface{}, 5)
	fields[0] = int(CallTypeError)
	fields[1] = callError.UniqueId
	fields[2] = callError.ErrorCode
	fields[3] = callError.ErrorDescription
	fields[4] = map[string]interface{}{}
	return json.Marshal(fields)
}

func MessageType(data []interface{}) (CallType, error) {
	if len(data) < 3 {
		return 0, utility.Err("unsupported message format; expected at least 3 elements")
	}
	rawTypeId, ok := data[0].(float64)
	if !ok {
		return 0, utility.Err("invalid message type id")
	}
	typeId := CallType(rawTypeId)
	switch typeId {
	case CallTypeRequest, CallTypeResult, CallTypeError:
		return typeId, nil
	}
	return 0, fmt.Errorf("unknown message type id: %v", rawTypeId)
}

// InboundCall is a parsed CSMS-initiated Call.
type InboundCall struct {
	UniqueId string
	Action   string
	Payload  ocpp.Request
}

func ParseInboundCall(data []interface{}) (*InboundCall, error) {
	if len(data) != 4 {
		return nil, utility.Err("unsupported request format; expected length: 4 elements")
	}
	uniqueId, ok := data[1].(string)
	if !ok {
		return nil, utility.Err("invalid message unique id in request")
	}
	action, ok := data[2].(string)
	if !ok {
		return nil, utility.Err("invalid action in request")
	}
	requestType, err := getRequestType(action)
	if err != nil {
		// unknown action: leave the payload nil so the dispatcher
		// answers NotImplemented instead of dropping the frame
		return &InboundCall{UniqueId: uniqueId, Action: action}, nil
	}
	request, err := ocpp.ParseRawJsonRequest(data[3], requestType)
	if err != nil {
		return &InboundCall{UniqueId: uniqueId, Action: action}, err
	}
	return &InboundCall{UniqueId: uniqueId, Action: action, Payload: request}, nil
}

// getRequestType maps an inbound action to its request struct; only the
// CSMS-initiated actions the simulator handles are listed.
func getRequestType(action string) (reflect.Type, error) {
	switch action {
	case core.AuthorizeFeatureName:
		return reflect.TypeOf(core.AuthorizeRequest{}), nil
	case core.GetConfigurationFeatureName:
		return reflect.TypeOf(core.GetConfigurationRequest{}), nil
	case core.ChangeConfigurationFeatureName:
		return reflect.TypeOf(core.ChangeConfigurationRequest{}), nil
	case core.RemoteStartTransactionFeatureName:
		return reflect.TypeOf(core.RemoteStartTransactionRequest{}), nil
	case core.RemoteStopTransactionFeatureName:
		return reflect.TypeOf(core.RemoteStopTransactionRequest{}), nil
	case smartcharging.SetChargingProfileFeatureName:
		return reflect.TypeOf(smartcharging.SetChargingProfileRequest{}), nil
	}
	return nil, fmt.Errorf("unsupported action requested: %s", action)
}

// InboundResult is a parsed CallResult or CallError matching a pending
// outbound Call.
type InboundResult struct {
	UniqueId string
	Payload  json.RawMessage
	Err      error
}

func ParseInboundResult(callType CallType, data []interface{}) (*InboundResult, error) {
	uniqueId, ok := data[1].(string)
	if !ok {
		return nil, utility.Err("invalid message unique id in result")
	}
	if callType == CallTypeError {
		code := fmt.Sprintf("%v", data[2])
		description := ""
		if len(data) > 3 {
			description = fmt.Sprintf("%v", data[3])
		}
		return &InboundResult{
			UniqueId: uniqueId,
			Err:      fmt.Errorf("call error %s: %s", code, description),
		}, nil
	}
	payload, err := json.Marshal(data[2])
	if err != nil {
		return nil, err
	}
	return &InboundResult{UniqueId: uniqueId, Payload: payload}, nil
}

// ParseMessageType extracts a short message type tag from a raw frame for
// the session log: the action name for a Call, CallResult/CallError
// otherwise.
func ParseMessageType(raw []byte) string {
	data, err := utility.ParseJson(raw)
	if err != nil || len(data) < 3 {
		return "Unknown"
	}
	typeId, err := MessageType(data)
	if err != nil {
		return "Unknown"
	}
	switch typeId {
	case CallTypeRequest:
		if action, ok := data[2].(string); ok {
			return action
		}
		return "Call"
	case CallTypeResult:
		return "CallResult"
	case CallTypeError:
		return "CallError"
	}
	return "Unknown"
}
