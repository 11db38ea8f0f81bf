package device

import "errors"

// ErrFirmwareNotSupported is returned by any capability-gated admin op when
// the local node's firmware is too old for it.
var ErrFirmwareNotSupported = errors.New("device: operation not supported by current firmware")
