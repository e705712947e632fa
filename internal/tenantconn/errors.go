package tenantconn

import "errors"

var (
	// ErrCredential means the stored credential could not be opened. Never retried.
	ErrCredential          = errors.New("tenant_credential_error")
	// ErrProvisioning means the tenant database stayed unreachable after every attempt.
	ErrProvisioning        = errors.New("tenant_provisioning_error")
	// ErrRegistryUnavailable means the master registry could not answer a lookup.
	ErrRegistryUnavailable = errors.New("tenant_registry_unavailable")
	ErrClosed              = errors.New("tenant_manager_closed")
)
