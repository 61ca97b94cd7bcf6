package uploader

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
)

// ErrorKind is the closed set of failure kinds surfaced to callers.
type ErrorKind string

const (
	KindDuplicateAsset     ErrorKind = "duplicate-asset"
	KindNoStorageProvision ErrorKind = "no-storage-provision"
	KindGenericAuth        ErrorKind = "generic-auth-error"
	KindQuotaExceeded      ErrorKind = "quota-exceeded"
	KindNetwork            ErrorKind = "network-error"
	KindCancelled          ErrorKind = "cancelled"
	KindTimeout            ErrorKind = "timeout"
	KindGeneric            ErrorKind = "generic-error"
)

// RetryPolicyKind identifies which retry discipline is asking about eligibility.
type RetryPolicyKind int

const (
	PolicyExponential RetryPolicyKind = iota
	PolicyServerPolling
)

const (
	bodyNotEntitled   = "notentitled"
	bodyQuotaExceeded = "quotaexceeded"
)

// Classification is the outcome of running the classifier over a failure.
type Classification struct {
	Kind       ErrorKind
	StatusCode int
}

// Retryable reports whether a failure of this kind may be attempted again
// under the given policy. Timeouts are fatal to the exponential policy once
// it has exhausted, so only the polling policy treats them as retryable here.
func (k ErrorKind) Retryable(policy RetryPolicyKind) bool {
	switch k {
	case KindNetwork, KindGeneric:
		return true
	case KindTimeout:
		return policy == PolicyServerPolling
	default:
		return false
	}
}

// UserFacing reports whether the kind should ever be shown to a user.
func (k ErrorKind) UserFacing() bool {
	return k != KindCancelled
}

// ClassifyResponse maps an HTTP status and response body to an error kind.
// It is a pure function of its inputs.
func ClassifyResponse(status int, body string) ErrorKind {
	lower := strings.ToLower(body)

	switch status {
	case http.StatusConflict:
		return KindDuplicateAsset
	case http.StatusUnauthorized:
		if strings.Contains(lower, bodyNotEntitled) {
			return KindNoStorageProvision
		}
		return KindGenericAuth
	case http.StatusForbidden:
		if strings.Contains(lower, bodyQuotaExceeded) {
			return KindQuotaExceeded
		}
		return KindNoStorageProvision
	}

	return KindGeneric
}

// ClassifyError maps any failure produced by the pipeline to an error kind.
func ClassifyError(err error) Classification {
	if err == nil {
		return Classification{}
	}

	if errors.Is(err, context.Canceled) {
		return Classification{Kind: KindCancelled}
	}

	var pollErr *PollTimeoutError
	if errors.As(err, &pollErr) {
		return Classification{Kind: KindTimeout, StatusCode: pollErr.StatusCode()}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Kind: KindTimeout}
	}

	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return Classification{
			Kind:       ClassifyResponse(respErr.StatusCode, respErr.Body),
			StatusCode: respErr.StatusCode,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{Kind: KindTimeout}
	}

	if isNetworkError(err) {
		return Classification{Kind: KindNetwork}
	}

	return Classification{Kind: KindGeneric}
}

// ClassifyErrorContext classifies err observed while ctx was in use. A
// cancellation error is only KindCancelled when ctx itself is done. Otherwise
// something below the caller aborted the request and it counts as a network
// failure.
func ClassifyErrorContext(ctx context.Context, err error) Classification {
	c := ClassifyError(err)
	if c.Kind == KindCancelled && ctx.Err() == nil {
		c.Kind = KindNetwork
	}
	return c
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
