package models

// APIStatus is the status field of every JSON response of the form API.
type APIStatus string

const (
	// APIStatusOK: the request was applied. Result carries the form snapshot, a step
	// resolution, a history entry or an adapter result, depending on the route.
	APIStatusOK APIStatus = "ok"
	// APIStatusError: the request failed. Message is safe to show; Result is empty.
	APIStatusError APIStatus = "error"
	// APIStatusInvalid: the request was understood but the form did not validate. Result is
	// an InvalidFields value, and the client shows its errors inline.
	APIStatusInvalid APIStatus = "invalid"
)

// APIResponse is the envelope written by every JSON handler.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// InvalidFields is the result of an invalid response: the failing step, its field errors and
// where the client should move focus. Step is -1 when the failure is not tied to one step's
// validation, such as missing consent.
type InvalidFields struct {
	Step      int        `json:"step"`
	Errors    FormErrors `json:"errors"`
	Focus     string     `json:"focus,omitempty"`
	FocusStep int        `json:"focusStep"`
}

func respond(status APIStatus, message string, result interface{}) APIResponse {
	return APIResponse{Status: string(status), Message: message, Result: result}
}

// Success wraps a result in an ok response.
func Success(result interface{}) APIResponse {
	return respond(APIStatusOK, "", result)
}

// SuccessWithMessage is Success with a message for the user, e.g. the submission confirmation.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return respond(APIStatusOK, message, result)
}

// Error is a failed response with a message and no result.
func Error(message string) APIResponse {
	return respond(APIStatusError, message, nil)
}

// Invalid is a validation failure. A nil error map is sent as an empty object so clients can
// always index it.
func Invalid(message string, fields InvalidFields) APIResponse {
	if fields.Errors == nil {
		fields.Errors = FormErrors{}
	}
	return respond(APIStatusInvalid, message, fields)
}
