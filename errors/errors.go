package errors

import "fmt"

var (
	ErrWorkerPanic     = fmt.Errorf("worker panic")
	ErrDecode          = fmt.Errorf("malformed envelope")
	ErrDeliveryTimeout = fmt.Errorf("delivery timed out")
	ErrSinkClosed      = fmt.Errorf("sink closed")
	ErrLivenessTimeout = fmt.Errorf("liveness timeout exceeded")
	ErrSessionGone     = fmt.Errorf("session no longer registered")
)
