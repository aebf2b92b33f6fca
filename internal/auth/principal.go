package auth

// Capabilities granted through token permissions.
const (
	PermFeedConsume = "feed.consume"
	PermFeedControl = "feed.control"
	PermExport      = "intel.export"
	PermTrustManage = "trust.manage"
)

// Principal represents an authenticated caller with resolved permissions.
type Principal struct {
	Subject      string
	Organization string
	Permissions  map[string]struct{}
}

// NewPrincipal constructs a principal with preloaded permissions.
func NewPrincipal(subject, organization string, perms []string) Principal {
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return Principal{Subject: subject, Organization: organization, Permissions: set}
}

// HasPermission reports whether the principal can execute action identified by key.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}
