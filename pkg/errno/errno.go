package errno

// Errno defines the error code logic
type Errno struct {
	Code    int
	Message string
}

func (e Errno) Error() string {
	return e.Message
}

// WithMessage returns a copy with a more specific message but the same code
func (e Errno) WithMessage(msg string) Errno {
	e.Message = msg
	return e
}

// Decode tries to convert an error to Errno
func Decode(err error) (int, string) {
	if err == nil {
		return OK.Code, OK.Message
	}

	switch typed := err.(type) {
	case *Errno:
		return typed.Code, typed.Message
	case Errno:
		return typed.Code, typed.Message
	default:
		return InternalServerError.Code, err.Error()
	}
}

// Common Errors
var (
	OK                  = Errno{Code: 0, Message: "Success"}
	InternalServerError = Errno{Code: 10001, Message: "Internal server error"}
	ErrBind             = Errno{Code: 10002, Message: "Error occurred while binding the request body to the struct"}
	ErrDatabase         = Errno{Code: 10004, Message: "Database error"}
)

// Business Errors (20000+)
var (
	ErrEscrowNotFound      = Errno{Code: 20301, Message: "Escrow not found"}
	ErrIllegalTransition   = Errno{Code: 20302, Message: "Illegal escrow status transition"}
	ErrDecisionConsumed    = Errno{Code: 20303, Message: "Self-service decision already consumed"}
	ErrHoldingNotActive    = Errno{Code: 20304, Message: "Escrow holding is not active"}
	ErrEventNotFound       = Errno{Code: 20401, Message: "Webhook event not found"}
	ErrEventNotRequeueable = Errno{Code: 20402, Message: "Only FAILED events can be requeued"}
)
