// Package session owns the client<->server channel helpers of the media
// service.
//
// Ownership boundary:
// - handshake control messages (hello / hello.ack)
// - request, response and event frame codecs
// - the client-side in-flight call table
// - dial backoff and transport security validation
package session
