package domain

// Session is what the hub backend returns for a verified identity.
type Session struct {
	SessionKey string         `json:"sessionKey,omitempty"`
	User       map[string]any `json:"user,omitempty"`
}
