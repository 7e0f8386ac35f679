package protocol

// Version identifies a domain version. A nil *Version means the domain was
// created implicitly by a command or event registration.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// ParameterDescription documents a command or event parameter. It is
// documentation only and never enforced at runtime.
type ParameterDescription struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// CommandDescription documents a single command within a domain
type CommandDescription struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	IsAsync     bool                   `json:"isAsync"`
	Parameters  []ParameterDescription `json:"parameters"`
	Returns     []ParameterDescription `json:"returns"`
}

// EventDescription documents a single event within a domain
type EventDescription struct {
	Name       string                 `json:"name"`
	Parameters []ParameterDescription `json:"parameters"`
}

// DomainDescription is the serializable snapshot of one domain. The slice of
// these served at /api and pushed in refreshInterface frames preserves
// registration order.
type DomainDescription struct {
	Domain   string               `json:"domain"`
	Version  *Version             `json:"version"`
	Commands []CommandDescription `json:"commands"`
	Events   []EventDescription   `json:"events"`
}
