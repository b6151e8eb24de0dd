package server

import (
	_ "embed"
	"html/template"

	"github.com/dgellow/authfront/internal/identity"
)

//go:embed templates/callback.html
var callbackPageTemplateHTML string

var callbackPageTemplate = template.Must(template.New("callback").Parse(callbackPageTemplateHTML))

// CallbackMessage is relayed to the opener or parent window
type CallbackMessage struct {
	Type      string            `json:"type"`
	Identity  identity.Identity `json:"identity"`
	SessionID string            `json:"sessionId"`
}

// CallbackPageData represents the data for the popup callback page
type CallbackPageData struct {
	Success bool
	Message *CallbackMessage
	// TargetOrigins restricts who may receive the message; "*" when no
	// origins are configured
	TargetOrigins []string
	Error         string
}
