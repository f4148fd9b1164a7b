package core

import (
	"cpsim/types"
)

const HeartbeatFeatureName = "Heartbeat"

type HeartbeatRequest struct {
}

type HeartbeatResponse struct {
	CurrentTime *types.DateTime `json:"currentTime"`
}

func NewHeartbeatRequest() *HeartbeatRequest {
	return &HeartbeatRequest{}
}

func (r *HeartbeatRequest) GetFeatureName() string {
	return HeartbeatFeatureName
}

func (r *HeartbeatResponse) GetFeatureName() string {
	return HeartbeatFeatureName
}
