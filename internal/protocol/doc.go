// Package protocol encodes and decodes the JSON control messages exchanged
// with the browser terminal over the WebSocket.
//
// Inbound frames decode into one of the closed set of [Message] variants:
// [Connect], [Input], [Resize] and [Disconnect]. Anything else, including an
// unknown "type" tag, is reported as [ErrInvalidMessage]. Outbound frames are
// [Status] and [Output]; both are produced with [Encode].
//
// The package is stateless and safe for concurrent use.
package protocol
