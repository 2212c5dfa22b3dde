package store

// Stores is the top-level container for all storage backends.
type Stores struct {
	Conversations ConversationStore
	Messages      MessageStore
	Customers     CustomerStore
	Tenants       TenantStore
}
