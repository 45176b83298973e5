package httpapi

import (
	"net/http"

	"github.com/cognihq/graphcore/internal/run"
)

// statusClientClosed is nginx's code for a client that went away before
// the response completed. The stdlib has no constant for it.
const statusClientClosed = 499

// httpStatus projects a terminal error code onto a transport status.
// Only refusals reach the client this way; once streaming has started
// the same codes travel in-band as error events.
func httpStatus(code run.ErrorCode) int {
	switch code {
	case run.CodeAborted:
		return statusClientClosed
	case run.CodeTimeout:
		return http.StatusGatewayTimeout
	case run.CodeRateLimit:
		return http.StatusTooManyRequests
	case run.CodeInsufficientCredits:
		return http.StatusPaymentRequired
	case run.CodeNotFound:
		return http.StatusNotFound
	case run.CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// refusalMessage is the user-facing text for a run refused before it
// produced any events.
func refusalMessage(code run.ErrorCode) string {
	switch code {
	case run.CodeInsufficientCredits:
		return "insufficient credits"
	case run.CodeNotFound:
		return "unknown graph"
	case run.CodeInvalidRequest:
		return "invalid request"
	case run.CodeAborted:
		return "run cancelled"
	case run.CodeTimeout:
		return "run timed out"
	case run.CodeRateLimit:
		return "rate limited upstream"
	default:
		return "run failed"
	}
}
