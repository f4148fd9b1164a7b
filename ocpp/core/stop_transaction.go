package core

import (
	"cpsim/types"
)

const StopTransactionFeatureName = "StopTransaction"

type StopTransactionRequest struct {
	IdTag           string             `json:"idTag,omitempty"`
	MeterStop       int                `json:"meterStop"`
	Timestamp       *types.DateTime    `json:"timestamp"`
	TransactionId   int                `json:"transactionId"`
	Reason          types.Reason       `json:"reason,omitempty"`
	TransactionData []types.MeterValue `json:"transactionData,omitempty"`
}

type StopTransactionResponse struct {
	IdTagInfo *types.IdTagInfo `json:"idTagInfo,omitempty"`
}

func NewStopTransactionRequest(transactionId, meterStop int, reason types.Reason) *StopTransactionRequest {
	return &StopTransactionRequest{
		MeterStop:     meterStop,
		Timestamp:     types.Now(),
		TransactionId: transactionId,
		Reason:        reason,
	}
}

func (r *StopTransactionRequest) GetFeatureName() string {
	return StopTransactionFeatureName
}

func (r *StopTransactionResponse) GetFeatureName() string {
	return StopTransactionFeatureName
}
