package core

import (
	"cpsim/types"
)

const StartTransactionFeatureName = "StartTransaction"

type StartTransactionRequest struct {
	ConnectorId   int             `json:"connectorId"`
	IdTag         string          `json:"idTag"`
	MeterStart    int             `json:"meterStart"`
	ReservationId *int            `json:"reservationId,omitempty"`
	Timestamp     *types.DateTime `json:"timestamp"`
}

type StartTransactionResponse struct {
	IdTagInfo     *types.IdTagInfo `json:"idTagInfo"`
	TransactionId int              `json:"transactionId"`
}

func NewStartTransactionRequest(connectorId int, idTag string, meterStart int) *StartTransactionRequest {
	return &StartTransactionRequest{
		ConnectorId: connectorId,
		IdTag:       idTag,
		MeterStart:  meterStart,
		Timestamp:   types.Now(),
	}
}

func (r *StartTransactionRequest) GetFeatureName() string {
	return StartTransactionFeatureName
}

func (r *StartTransactionResponse) GetFeatureName() string {
	return StartTransactionFeatureName
}
