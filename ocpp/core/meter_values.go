package core

import (
	"cpsim/types"
)

const MeterValuesFeatureName = "MeterValues"

type MeterValuesRequest struct {
	ConnectorId   int                `json:"connectorId"`
	TransactionId *int               `json:"transactionId,omitempty"`
	MeterValue    []types.MeterValue `json:"meterValue"`
}

type MeterValuesResponse struct {
}

func NewMeterValuesRequest(connectorId int, transactionId int, meterValue []types.MeterValue) *MeterValuesRequest {
	return &MeterValuesRequest{
		ConnectorId:   connectorId,
		TransactionId: &transactionId,
		MeterValue:    meterValue,
	}
}

func (r *MeterValuesRequest) GetFeatureName() string {
	return MeterValuesFeatureName
}

func (r *MeterValuesResponse) GetFeatureName() string {
	return MeterValuesFeatureName
}
