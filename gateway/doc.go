// Package gateway is the single egress path for agent network traffic.
//
// A request is dispatched only when its host equals a whitelisted domain
// or is a strict subdomain of one; anything else fails with
// ErrDomainNotAllowed before any I/O happens. Every allowed attempt is
// logged before dispatch so that slow or failed requests remain
// auditable.
package gateway
