package push

import "errors"

var (
	// ErrConfiguration means an APNs signing secret is missing.
	ErrConfiguration = errors.New("push: apns signing credentials are not configured")
	// ErrCrypto means the signing key could not be parsed or a signature could not be produced.
	ErrCrypto = errors.New("push: apns token signing failed")
	// ErrStore wraps failures of the target or notification stores.
	ErrStore = errors.New("push: store operation failed")
	// ErrInvalidEndpoint is returned by ParseEndpoint for unparsable endpoints.
	ErrInvalidEndpoint = errors.New("push: invalid endpoint")
	// ErrEndpointTaken means the endpoint is registered to a different owner.
	ErrEndpointTaken = errors.New("push: endpoint registered to another owner")
)
