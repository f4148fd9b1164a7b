package internal

import "cpsim/models"

type Database interface {
	WriteLogMessage(data Data) error
	ReadLog() (interface{}, error)
	GetChargePoints() ([]models.ChargePoint, error)
	GetChargePoint(id string) (*models.ChargePoint, error)
	AddChargePoint(chargePoint *models.ChargePoint) error
	DeleteChargePoint(id string) error
	UpdateChargePointConfig(id, key, value string) error
	GetVehicles() ([]models.Vehicle, error)
	GetVehiclesByLocation(locationId string) ([]models.Vehicle, error)
	GetVehicleByTag(idTag string) (*models.Vehicle, error)
}

type Data interface {
	DataType() string
}
