package server

import "strconv"

// ErrorCode is a protocol error code sent to clients as "-<code> <description>".
type ErrorCode int

// Protocol error codes. The numeric values are part of the wire protocol.
const (
	ConnRequiredError   ErrorCode = 1
	WrongArgs           ErrorCode = 2
	ConnHasIDError      ErrorCode = 3
	UnknownCommandError ErrorCode = 4
	PassError           ErrorCode = 5
	RESPError           ErrorCode = 6
	ServerError         ErrorCode = 7
	KeyNotExists        ErrorCode = 8
)

var errorDescriptions = map[ErrorCode]string{
	ConnRequiredError:   "CONN required first",
	WrongArgs:           "Wrong number of arguments",
	ConnHasIDError:      "Already has client id",
	UnknownCommandError: "Unknown command",
	PassError:           "Wrong or no password",
	RESPError:           "RESP protocol error",
	ServerError:         "Server error",
	KeyNotExists:        "Key does not exist",
}

// String returns the human-readable description of the code.
func (c ErrorCode) String() string {
	if desc, ok := errorDescriptions[c]; ok {
		return desc
	}
	return errorDescriptions[ServerError]
}

// Message returns the error line payload, without the leading '-'.
func (c ErrorCode) Message() string {
	return strconv.Itoa(int(c)) + " " + c.String()
}
