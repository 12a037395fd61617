package mcpauth

// ServerMetadata is the static authorization-server discovery document
// (RFC 8414). Pure data, no state.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// ResourceMetadata is the protected-resource discovery document describing
// the protocol endpoint.
type ResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported"`
	BearerMethods        []string `json:"bearer_methods_supported"`
}

// NewServerMetadata builds the discovery document for the given base URL.
func NewServerMetadata(baseURL string) *ServerMetadata {
	return &ServerMetadata{
		Issuer:                            baseURL,
		AuthorizationEndpoint:             baseURL + "/oauth2/authorize",
		TokenEndpoint:                     baseURL + "/oauth2/token",
		RegistrationEndpoint:              baseURL + "/oauth2/register",
		ScopesSupported:                   []string{"mcp:tools", "mcp:resources"},
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		CodeChallengeMethodsSupported:     []string{string(CodeChallengeS256), string(CodeChallengePlain)},
	}
}

// NewResourceMetadata builds the protected-resource document for the given
// base URL.
func NewResourceMetadata(baseURL string) *ResourceMetadata {
	return &ResourceMetadata{
		Resource:             baseURL + "/mcp",
		AuthorizationServers: []string{baseURL},
		ScopesSupported:      []string{"mcp:tools", "mcp:resources"},
		BearerMethods:        []string{"header"},
	}
}
