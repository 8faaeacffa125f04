package sqs

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/smithy-go"
)

// isTerminalCode reports SQS error codes that retrying cannot fix
func isTerminalCode(code string) bool {
	switch code {
	case "ReceiptHandleIsInvalid", "MessageNotInflight", "AWS.SimpleQueueService.MessageNotInflight",
		"QueueDoesNotExist", "AWS.SimpleQueueService.NonExistentQueue",
		"AccessDenied", "AccessDeniedException", "InvalidClientTokenId", "UnrecognizedClientException",
		"InvalidAddress", "InvalidParameterValue", "InvalidAttributeName", "InvalidMessageContents",
		"UnsupportedOperation", "AWS.SimpleQueueService.UnsupportedOperation":
		return true
	}
	return false
}

// apiErrorCode returns the smithy API error code, or "" if err is not an API error
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// isRetryableError reports whether an SQS call failure is transient.
// Throttling, server faults and network errors are retried; client faults
// with a known terminal code are not.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if isReceiptHandleExpiredError(err) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if isTerminalCode(apiErr.ErrorCode()) {
			return false
		}
		return apiErr.ErrorFault() != smithy.FaultClient || isThrottleCode(apiErr.ErrorCode())
	}

	// Network errors and per-call deadlines
	return true
}

func isThrottleCode(code string) bool {
	switch code {
	case "Throttling", "ThrottlingException", "RequestThrottled", "TooManyRequestsException",
		"RequestThrottledException", "KmsThrottled", "AWS.SimpleQueueService.RequestThrottled":
		return true
	}
	return strings.Contains(strings.ToLower(code), "throttl")
}
