package core

import (
	"cpsim/types"
)

const StatusNotificationFeatureName = "StatusNotification"

type ChargePointStatus string

const (
	ChargePointStatusAvailable     ChargePointStatus = "Available"
	ChargePointStatusPreparing     ChargePointStatus = "Preparing"
	ChargePointStatusCharging      ChargePointStatus = "Charging"
	ChargePointStatusSuspendedEVSE ChargePointStatus = "SuspendedEVSE"
	ChargePointStatusSuspendedEV   ChargePointStatus = "SuspendedEV"
	ChargePointStatusFinishing     ChargePointStatus = "Finishing"
	ChargePointStatusReserved      ChargePointStatus = "Reserved"
	ChargePointStatusUnavailable   ChargePointStatus = "Unavailable"
	ChargePointStatusFaulted       ChargePointStatus = "Faulted"
)

type ChargePointErrorCode string

const (
	NoError       ChargePointErrorCode = "NoError"
	InternalError ChargePointErrorCode = "InternalError"
	OtherError    ChargePointErrorCode = "OtherError"
)

type StatusNotificationRequest struct {
	ConnectorId int                  `json:"connectorId"`
	ErrorCode   ChargePointErrorCode `json:"errorCode"`
	Info        string               `json:"info,omitempty"`
	Status      ChargePointStatus    `json:"status"`
	Timestamp   *types.DateTime      `json:"timestamp,omitempty"`
	VendorId    string               `json:"vendorId,omitempty"`
}

type StatusNotificationResponse struct {
}

func NewStatusNotificationRequest(connectorId int, status ChargePointStatus) *StatusNotificationRequest {
	return &StatusNotificationRequest{
		ConnectorId: connectorId,
		ErrorCode:   NoError,
		Status:      status,
		Timestamp:   types.Now(),
	}
}

func (r *StatusNotificationRequest) GetFeatureName() string {
	return StatusNotificationFeatureName
}

func (r *StatusNotificationResponse) GetFeatureName() string {
	return StatusNotificationFeatureName
}
