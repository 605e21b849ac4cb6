package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrBufferTooSmall is returned when a record does not fit into the
	// remaining capacity of a region. Nothing is written in that case.
	ErrBufferTooSmall = errors.New("wire: buffer too small")

	// ErrProtocol is returned for any malformed or mismatched record.
	ErrProtocol = errors.New("wire: protocol error")
)

// ErrorCode is the error code a guest reports through an abort or an error
// result.
type ErrorCode uint64

const (
	NoError                              ErrorCode = 0
	UnsupportedParameterType             ErrorCode = 2
	GuestFunctionNameNotProvided         ErrorCode = 3
	GuestFunctionNotFound                ErrorCode = 4
	GuestFunctionIncorrectNoOfParameters ErrorCode = 5
	DispatchFunctionPointerNotSet        ErrorCode = 6
	OutbError                            ErrorCode = 7
	UnknownError                         ErrorCode = 8
	StackOverflow                        ErrorCode = 9
	GsCheckFailed                        ErrorCode = 10
	TooManyGuestFunctions                ErrorCode = 11
	FailureInDlmalloc                    ErrorCode = 12
	MallocFailed                         ErrorCode = 13
	GuestFunctionParameterTypeMismatch   ErrorCode = 14
	GuestErrorCode                       ErrorCode = 15
	ArrayLengthParamIsMissing            ErrorCode = 16
	HostFunctionError                    ErrorCode = 17
)

var errorCodeNames = map[ErrorCode]string{
	NoError:                              "NoError",
	UnsupportedParameterType:             "UnsupportedParameterType",
	GuestFunctionNameNotProvided:         "GuestFunctionNameNotProvided",
	GuestFunctionNotFound:                "GuestFunctionNotFound",
	GuestFunctionIncorrectNoOfParameters: "GuestFunctionIncorrectNoOfParameters",
	DispatchFunctionPointerNotSet:        "DispatchFunctionPointerNotSet",
	OutbError:                            "OutbError",
	UnknownError:                         "UnknownError",
	StackOverflow:                        "StackOverflow",
	GsCheckFailed:                        "GsCheckFailed",
	TooManyGuestFunctions:                "TooManyGuestFunctions",
	FailureInDlmalloc:                    "FailureInDlmalloc",
	MallocFailed:                         "MallocFailed",
	GuestFunctionParameterTypeMismatch:   "GuestFunctionParameterTypeMismatch",
	GuestErrorCode:                       "GuestError",
	ArrayLengthParamIsMissing:            "ArrayLengthParamIsMissing",
	HostFunctionError:                    "HostFunctionError",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", uint64(c))
}
