package scope

// Well-known scopes. Services are free to define their own; these are the
// ones Bastion's own API and CLI understand.
const (
	UsersRead      = "users:read"
	UsersWrite     = "users:write"
	UsersDelete    = "users:delete"
	PaymentsRead   = "payments:read"
	PaymentsCreate = "payments:create"
	PaymentsRefund = "payments:refund"
	WebhooksRead   = "webhooks:read"
	WebhooksWrite  = "webhooks:write"
	TokensRead     = "tokens:read"
	TokensWrite    = "tokens:write"
)

var descriptions = map[string]string{
	UsersRead:      "View user information",
	UsersWrite:     "Create and update users",
	UsersDelete:    "Delete users",
	PaymentsRead:   "View payment information",
	PaymentsCreate: "Create new payments",
	PaymentsRefund: "Process refunds",
	WebhooksRead:   "View webhook configurations",
	WebhooksWrite:  "Create and update webhooks",
	TokensRead:     "View API tokens",
	TokensWrite:    "Issue, rotate and revoke API tokens",
	Admin:          "Full API access",
}

// Description returns a human-readable description for a well-known scope,
// or the empty string.
func Description(s string) string {
	return descriptions[s]
}

// Known reports whether s is a well-known scope.
func Known(s string) bool {
	_, ok := descriptions[s]
	return ok
}
