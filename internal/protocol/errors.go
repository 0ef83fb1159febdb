package protocol

import "errors"

var (
	// ErrInvalidMessage is returned by Decode for any frame that is not a
	// well-formed control message.
	ErrInvalidMessage = errors.New("invalid message format")
	// ErrMissingCredentials is returned by Connect.Validate when host,
	// username or password is empty.
	ErrMissingCredentials = errors.New("missing required credentials")
	// ErrInvalidPort is returned by Connect.Validate for a port outside 1-65535.
	ErrInvalidPort = errors.New("invalid port")
)
