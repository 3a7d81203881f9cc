package response

var errors = map[ErrCode]string{
	ErrCodeMalformedJSON:         "The JSON you provided was not well-formed or did not validate against our published format.",
	ErrCodeRequestBody:           "Request body error: %s",
	ErrCodeConnectorNotFound:     "Connector %s not found.",
	ErrCodeInvalidTransition:     "Connector refused the operation: %s",
	ErrCodeNotAuthorized:         "idTag %s is not authorized.",
	ErrCodeConfigurationRejected: "Configuration key %s: %s",
	ErrCodeCentralSystem:         "Central system request failed: %s",
	ErrCodeStorage:               "Persisted state could not be updated: %s",
}

// !!! IMPORTANT PLEASE READ FIRST !!!
// You SHOULD add new code at the end of enum firstly.

var ErrMalformedJSON = &responseError{
	Code:    ErrCodeMalformedJSON,
	Message: errors[ErrCodeMalformedJSON],
}
