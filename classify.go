package beacon

import (
	"encoding/json"
	"net/http"
)

// Outcome classifies one delivery attempt.
type Outcome int

const (
	// OutcomeSuccess means the server accepted the request; it is removed from the queue.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryableNetwork means the request never got an HTTP response.
	OutcomeRetryableNetwork
	// OutcomeRetryableServer means the server answered with a non-2xx status.
	// 4xx is retried as well, so a permanently rejected request blocks the queue.
	OutcomeRetryableServer
	// OutcomeMalformed means a 2xx response without a JSON body carrying "result".
	OutcomeMalformed
)

// String returns the outcome name used in logs and metric labels.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryableNetwork:
		return "network"
	case OutcomeRetryableServer:
		return "server"
	case OutcomeMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Retry reports whether the request stays at the head of the queue.
func (o Outcome) Retry() bool {
	return o != OutcomeSuccess
}

// Classify maps a response to an Outcome. transportErr is the error returned
// by the transport, if any.
func Classify(statusCode int, body []byte, transportErr error) Outcome {
	if transportErr != nil {
		return OutcomeRetryableNetwork
	}
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return OutcomeRetryableServer
	}
	if len(body) == 0 {
		return OutcomeMalformed
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return OutcomeMalformed
	}
	if _, ok := payload["result"]; !ok {
		return OutcomeMalformed
	}

	return OutcomeSuccess
}
