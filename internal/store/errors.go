package store

import "errors"

var (
	ErrFunctionNotFound = errors.New("function not found")
	ErrTicketNotFound   = errors.New("ticket not found")
	ErrInvalidState     = errors.New("invalid ticket state")
	ErrInvalidStatus    = errors.New("invalid ticket status")
)
