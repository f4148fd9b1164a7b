package models

type ChargePoint struct {
	Id              string            `json:"charge_point_id" bson:"charge_point_id"`
	IsEnabled       bool              `json:"is_enabled" bson:"is_enabled"`
	Title           string            `json:"title" bson:"title"`
	LocationId      string            `json:"location_id" bson:"location_id"`
	Address         string            `json:"address" bson:"address"`
	SecurityProfile string            `json:"security_profile" bson:"security_profile"`
	Password        string            `json:"password,omitempty" bson:"password"`
	Vendor          string            `json:"vendor" bson:"vendor"`
	Model           string            `json:"model" bson:"model"`
	FirmwareVersion string            `json:"firmware_version" bson:"firmware_version"`
	PowerType       string            `json:"power_type" bson:"power_type"`
	Connectors      int               `json:"connectors" bson:"connectors"`
	MaxPower        float64           `json:"max_power_w" bson:"max_power_w"`
	Voltage         float64           `json:"voltage_v" bson:"voltage_v"`
	Configuration   map[string]string `json:"configuration,omitempty" bson:"configuration"`
}
