package hwenc

import "errors"

// Common errors
var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotSupported     = errors.New("not supported")
	ErrUninitialized    = errors.New("encoder not initialized")
	ErrDevice           = errors.New("device error")
	ErrResourceState    = errors.New("resource state violation")
	ErrBufferTooSmall   = errors.New("buffer too small")
	ErrProviderNotFound = errors.New("provider not available")
)

// Status is the flat return code handed to hosts that cannot carry Go errors.
type Status int32

const (
	StatusOK                       Status = 0
	StatusError                    Status = -1
	StatusErrParameter             Status = -4
	StatusUninitialized            Status = -7
	StatusErrSimulcastNotSupported Status = -10
	StatusErrDevice                Status = -13
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusErrParameter:
		return "ERR_PARAMETER"
	case StatusUninitialized:
		return "UNINITIALIZED"
	case StatusErrSimulcastNotSupported:
		return "ERR_SIMULCAST_PARAMETERS_NOT_SUPPORTED"
	case StatusErrDevice:
		return "ERR_DEVICE"
	default:
		return "UNKNOWN"
	}
}

// StatusFromError maps an error returned by this package to a Status.
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrInvalidParameter):
		return StatusErrParameter
	case errors.Is(err, ErrNotSupported):
		return StatusErrSimulcastNotSupported
	case errors.Is(err, ErrUninitialized):
		return StatusUninitialized
	case errors.Is(err, ErrDevice):
		return StatusErrDevice
	default:
		return StatusError
	}
}
