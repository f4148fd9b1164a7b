package core

const GetConfigurationFeatureName = "GetConfiguration"

// ConfigurationKey Contains information about a specific configuration key. It is returned in GetConfigurationResponse
type ConfigurationKey struct {
	Key      string  `json:"key"`
	Readonly bool    `json:"readonly"`
	Value    *string `json:"value,omitempty"`
}

// GetConfigurationRequest The field definition of the GetConfiguration request payload sent by the Central System to the Charge Point.
type GetConfigurationRequest struct {
	Key []string `json:"key,omitempty"`
}

type GetConfigurationResponse struct {
	ConfigurationKey []ConfigurationKey `json:"configurationKey,omitempty"`
	UnknownKey       []string           `json:"unknownKey,omitempty"`
}

func (request *GetConfigurationRequest) GetFeatureName() string {
	return GetConfigurationFeatureName
}

func (response *GetConfigurationResponse) GetFeatureName() string {
	return GetConfigurationFeatureName
}

func NewGetConfigurationRequest(key []string) *GetConfigurationRequest {
	return &GetConfigurationRequest{Key: key}
}
