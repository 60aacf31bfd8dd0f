package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced by the key lifecycle engine
var (
	// ErrNotFound is returned when a key, status, finding or alert id is unknown
	ErrNotFound = errors.New("not found")

	// ErrDuplicateActiveKey is returned when an owner already has an active key for a provider
	ErrDuplicateActiveKey = errors.New("an active key already exists for this owner and provider")

	// ErrTransientProbe marks a probe failure that the next reconciliation cycle retries
	ErrTransientProbe = errors.New("transient probe failure")
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// ValidationError rejects bad input synchronously. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// DecryptError is fatal for one key's reconciliation cycle
type DecryptError struct {
	KeyID string
	Err   error
}

func (e DecryptError) Error() string {
	return fmt.Sprintf("decrypt key %s: %v", e.KeyID, e.Err)
}

func (e DecryptError) Unwrap() error {
	return e.Err
}

// RuleEvaluationError isolates a failing audit rule from the rest of the run
type RuleEvaluationError struct {
	RuleID string
	Err    error
}

func (e RuleEvaluationError) Error() string {
	return fmt.Sprintf("audit rule %s: %v", e.RuleID, e.Err)
}

func (e RuleEvaluationError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientProbe) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if IsValidation(err) || errors.Is(err, ErrDuplicateActiveKey) || errors.Is(err, ErrNotFound) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"connection refused",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// MasterKeyError enhances master-key source errors with context
func MasterKeyError(source string, operation string, err error) error {
	return UserError{
		Message:    fmt.Sprintf("%s master key source error during %s", source, operation),
		Suggestion: getSourceSuggestion(source, err),
		Err:        err,
	}
}

// getSourceSuggestion returns helpful suggestions based on source and error
func getSourceSuggestion(source string, err error) string {
	errStr := err.Error()

	switch source {
	case "aws-secretsmanager", "aws-ssm":
		if strings.Contains(errStr, "credentials") || strings.Contains(errStr, "authorization") {
			return "Configure AWS credentials: 'aws configure' or set AWS_PROFILE"
		}
		if strings.Contains(errStr, "AccessDenied") {
			return "Check IAM permissions for secretsmanager:GetSecretValue or ssm:GetParameter with decryption"
		}
		if strings.Contains(errStr, "ResourceNotFoundException") || strings.Contains(errStr, "ParameterNotFound") {
			return "Verify the master key name and region"
		}
	case "gcp-secretmanager":
		if strings.Contains(errStr, "PermissionDenied") {
			return "Grant roles/secretmanager.secretAccessor on the master key secret"
		}
	case "azure-keyvault":
		if strings.Contains(errStr, "Forbidden") {
			return "Grant the identity 'get' permission on Key Vault secrets"
		}
	case "keyring":
		if strings.Contains(errStr, "not found") {
			return "Store the master key first: 'dskeys doctor --init-keyring'"
		}
	case "env":
		return "Set DSKEYS_MASTER_KEY to a base64 encoded 32 byte key"
	}

	if strings.Contains(errStr, "timeout") {
		return "The operation timed out. Check your network connection and try again"
	}
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") {
		return "Unable to connect. Check your network and master key source configuration"
	}

	return ""
}
