package response

type ErrCode int

const (
	_                         ErrCode = 10000 + iota
	ErrCodeMalformedJSON              // 10001
	ErrCodeRequestBody                // 10002
	ErrCodeConnectorNotFound          // 10003
	ErrCodeInvalidTransition          // 10004
	ErrCodeNotAuthorized              // 10005
	ErrCodeConfigurationRejected      // 10006
	ErrCodeCentralSystem              // 10007
	ErrCodeStorage                    // 10008
)

// !!! IMPORTANT PLEASE READ FIRST !!!
// You SHOULD add new code at the end, and append comment of number
// Meanwhile, the corresponding error message SHOULD be appended in response.errors
// The order MUST be consistent between them
