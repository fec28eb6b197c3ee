package log

const (
	FieldService   = "service"
	FieldComponent = "component"

	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldURL       = "url"
	FieldStatus    = "status"

	// Session
	FieldEmail = "email"

	// Realtime
	FieldEvent        = "event"
	FieldTarget       = "target"
	FieldInvocationID = "invocation_id"
	FieldState        = "state"
	FieldAttempt      = "attempt"

	// Chat
	FieldChatID    = "chat_id"
	FieldMessageID = "message_id"
)
