package core

import (
	"cpsim/types"
)

const BootNotificationFeatureName = "BootNotification"

// RegistrationStatus Result of registration in response to a BootNotification request.
type RegistrationStatus string

const (
	RegistrationStatusAccepted RegistrationStatus = "Accepted"
	RegistrationStatusPending  RegistrationStatus = "Pending"
	RegistrationStatusRejected RegistrationStatus = "Rejected"
)

type BootNotificationRequest struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
}

type BootNotificationResponse struct {
	CurrentTime *types.DateTime    `json:"currentTime"`
	Interval    int                `json:"interval"`
	Status      RegistrationStatus `json:"status"`
}

func NewBootNotificationRequest(vendor, model, firmware string) *BootNotificationRequest {
	return &BootNotificationRequest{ChargePointVendor: vendor, ChargePointModel: model, FirmwareVersion: firmware}
}

func (r *BootNotificationRequest) GetFeatureName() string {
	return BootNotificationFeatureName
}

func (r *BootNotificationResponse) GetFeatureName() string {
	return BootNotificationFeatureName
}
