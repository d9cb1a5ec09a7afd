package models

import "fmt"

// Gateway error code taxonomy. The gateway reuses its error event for three
// very different things: real request failures, connection-level failures and
// purely informational notices. The dispatch engine keys its termination
// decisions off these predicates.
const (
	// warningCodeLow..warningCodeHigh is the reserved advisory sub-range.
	// Messages in it never terminate a request.
	warningCodeLow  = 2100
	warningCodeHigh = 2200

	CodeConnectivityRestoredNoData   = 1101
	CodeConnectivityRestoredWithData = 1102

	CodeBadLength        = 502
	CodeNotConnected     = 504
	CodeConnectivityLost = 1100
	CodeSocketDropped    = 1300
)

// connectionFatalCodes are the errors that end the whole session, not one
// request. Every outstanding scoped subscription terminates when one arrives.
var connectionFatalCodes = map[int]struct{}{
	CodeBadLength:        {},
	CodeNotConnected:     {},
	CodeConnectivityLost: {},
	CodeSocketDropped:    {},
}

// IsWarningCode reports whether the code is advisory. Warnings are logged
// and forwarded to catch-all subscribers but never fire error handlers.
func IsWarningCode(code int) bool {
	if code >= warningCodeLow && code < warningCodeHigh {
		return true
	}
	switch code {
	case CodeConnectivityRestoredNoData, CodeConnectivityRestoredWithData:
		return true
	}
	return false
}

// IsConnectionFatalCode reports whether the code ends the whole connection.
func IsConnectionFatalCode(code int) bool {
	_, ok := connectionFatalCodes[code]
	return ok
}

// GatewayError carries a gateway-side error event across a synchronous call
// boundary. The full message is retained so callers can inspect the code,
// text and correlation id of the failure.
type GatewayError struct {
	Message Message
}

func (e *GatewayError) Error() string {
	id, ok := e.Message.CorrelationID()
	if !ok {
		return fmt.Sprintf("gateway error %d: %s", e.Message.Code, e.Message.Text)
	}
	return fmt.Sprintf("gateway error %d for id %d: %s", e.Message.Code, id, e.Message.Text)
}
