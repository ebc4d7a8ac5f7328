package sending

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"github.com/emersion/go-smtp"

	"github.com/ignite/campaign-engine/internal/pkg/retry"
)

// DeliveryError is a transport failure with a retry classification.
type DeliveryError struct {
	Transport string
	Temporary bool
	Code      int
	Message   string
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "permanent"
	if e.Temporary {
		kind = "temporary"
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s %s failure (%d): %s", e.Transport, kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s failure: %s", e.Transport, kind, e.Message)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// throttleCodes are AWS error codes that clear up on their own.
var throttleCodes = map[string]bool{
	"Throttling":                  true,
	"ThrottlingException":         true,
	"TooManyRequestsException":    true,
	"LimitExceededException":      true,
	"ServiceUnavailableException": true,
}

// IsRetryable reports whether another attempt could succeed: connection and
// timeout failures, 5xx or throttled provider responses, and SMTP 4xx
// replies. Unknown errors are treated as terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code >= 400 && smtpErr.Code < 500
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && retry.IsRetryableStatus(respErr.HTTPStatusCode()) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return throttleCodes[apiErr.ErrorCode()] || apiErr.ErrorFault() == smithy.FaultServer
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Classify wraps err into a DeliveryError for the named transport.
func Classify(transport string, err error) error {
	if err == nil {
		return nil
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return err
	}
	out := &DeliveryError{
		Transport: transport,
		Temporary: IsRetryable(err),
		Message:   err.Error(),
		Err:       err,
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		out.Code = smtpErr.Code
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		out.Code = respErr.HTTPStatusCode()
	}
	return out
}
