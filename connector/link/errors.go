package link

import "errors"

// Check for these with errors.Is. Errors returned by a Link wrap one of them, and
// broker-side failures also wrap the error paho reported.
var (
	ErrNotConnected     = errors.New("mqtt: link not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")
	// ErrInvalidQoS means the QoS level was not 0, 1 or 2.
	ErrInvalidQoS   = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
	ErrTimeout      = errors.New("mqtt: operation timed out")
	// ErrInvalidState is returned by Connect on a link that is not disconnected.
	ErrInvalidState = errors.New("mqtt: invalid link state")
)
