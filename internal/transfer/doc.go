// Package transfer implements the token-authorized streaming transfer path
// of File Drop: bounded-memory copies between streams, filename resolution
// inside a storage root, signed download tokens, and the Service façade the
// HTTP layer calls.
package transfer
