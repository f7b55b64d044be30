// Package apierr defines the wire-level error codes returned by the ADMP hub
// API. Codes are stable strings; clients should branch on the code, not on
// the human-readable message.
package apierr

// Code identifies a category of API error.
type Code string

const (
	InvalidEnvelope     Code = "INVALID_ENVELOPE"
	AgentNotFound       Code = "AGENT_NOT_FOUND"
	AgentAlreadyExists  Code = "AGENT_ALREADY_EXISTS"
	SignatureFailed     Code = "SIGNATURE_VERIFICATION_FAILED"
	MessageNotFound     Code = "MESSAGE_NOT_FOUND"
	LeaseExpired        Code = "LEASE_EXPIRED"
	Conflict            Code = "CONFLICT"
	Gone                Code = "GONE"
	TTLOutOfRange       Code = "TTL_OUT_OF_RANGE"
	GroupNotFound       Code = "GROUP_NOT_FOUND"
	NotAMember          Code = "NOT_A_MEMBER"
	InvalidWebhookURL   Code = "INVALID_WEBHOOK_URL"
	StorageUnavailable  Code = "STORAGE_UNAVAILABLE"
	Unauthorized        Code = "UNAUTHORIZED"
	Forbidden           Code = "FORBIDDEN"
	ValidationError     Code = "VALIDATION_ERROR"
	RateLimited         Code = "RATE_LIMITED"
	NotFound            Code = "NOT_FOUND"
	PayloadTooLarge     Code = "PAYLOAD_TOO_LARGE"
	ServiceUnavailable  Code = "SERVICE_UNAVAILABLE"
	Internal            Code = "INTERNAL"
)
