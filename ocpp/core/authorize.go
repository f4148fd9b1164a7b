package core

import (
	"cpsim/types"
)

const AuthorizeFeatureName = "Authorize"

type AuthorizeRequest struct {
	IdTag string `json:"idTag"`
}

type AuthorizeResponse struct {
	IdTagInfo *types.IdTagInfo `json:"idTagInfo"`
}

func NewAuthorizeRequest(idTag string) *AuthorizeRequest {
	return &AuthorizeRequest{IdTag: idTag}
}

func NewAuthorizeResponse(idTagInfo *types.IdTagInfo) *AuthorizeResponse {
	return &AuthorizeResponse{IdTagInfo: idTagInfo}
}

func (r *AuthorizeRequest) GetFeatureName() string {
	return AuthorizeFeatureName
}

func (r *AuthorizeResponse) GetFeatureName() string {
	return AuthorizeFeatureName
}
