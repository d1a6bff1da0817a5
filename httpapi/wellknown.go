package httpapi

import (
	"net/http"
	"sync"

	"github.com/invopop/jsonschema"
)

// ServiceMetadata is the document served at /.well-known/toolgate.json. It
// advertises the service's endpoints and the JSON Schemas of its request
// payloads so clients can validate before calling.
type ServiceMetadata struct {
	Service        string                        `json:"service"`
	BaseURL        string                        `json:"base_url"`
	Endpoints      map[string]string             `json:"endpoints"`
	RequestSchemas map[string]*jsonschema.Schema `json:"request_schemas"`
}

var wellKnownOnce = sync.OnceValue(func() map[string]*jsonschema.Schema {
	reflector := &jsonschema.Reflector{DoNotReference: true}
	return map[string]*jsonschema.Schema{
		"maintenance":      reflector.Reflect(&MaintenanceRequest{}),
		"oauth_start":      reflector.Reflect(&OAuthStartRequest{}),
		"oauth_finish":     reflector.Reflect(&OAuthFinishRequest{}),
		"oauth_disconnect": reflector.Reflect(&OAuthDisconnectRequest{}),
		"usage_check":      reflector.Reflect(&UsageCheckRequest{}),
		"cache_invalidate": reflector.Reflect(&InvalidateRequest{}),
	}
})

func (a *api) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	meta := ServiceMetadata{
		Service: "toolgate",
		BaseURL: a.baseURL,
		Endpoints: map[string]string{
			"maintenance":       a.baseURL + "/maintenance",
			"maintenance_quick": a.baseURL + "/maintenance/quick",
			"oauth_start":       a.baseURL + "/oauth/start",
			"oauth_finish":      a.baseURL + "/oauth/finish",
			"oauth_disconnect":  a.baseURL + "/oauth/disconnect",
			"usage":             a.baseURL + "/usage",
			"usage_check":       a.baseURL + "/usage/check",
			"cache_invalidate":  a.baseURL + "/cache/invalidate",
		},
		RequestSchemas: wellKnownOnce(),
	}
	a.writeData(w, meta)
}
