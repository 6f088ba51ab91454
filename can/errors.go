package can

import "errors"

var (
	ErrIllegalArgument = errors.New("can: error in function arguments")
	ErrInvalidState    = errors.New("can: driver not ready")
	ErrSyscall         = errors.New("can: syscall failed")
)
