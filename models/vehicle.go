package models

type Vehicle struct {
	Id              string   `json:"vehicle_id" bson:"vehicle_id"`
	Title           string   `json:"title" bson:"title"`
	LocationId      string   `json:"location_id" bson:"location_id"`
	BatteryCapacity float64  `json:"battery_capacity_kwh" bson:"battery_capacity_kwh"`
	StartSoc        float64  `json:"start_soc_pct" bson:"start_soc_pct"`
	IdTags          []string `json:"id_tags" bson:"id_tags"`
}

// PrimaryTag returns the tag presented when the vehicle plugs in.
func (v *Vehicle) PrimaryTag() string {
	if len(v.IdTags) == 0 {
		return ""
	}
	return v.IdTags[0]
}
