package health

import (
	"net/http"
)

// Kind labels an outcome for logs and metrics
type Kind string

const (
	KindSuccess     Kind = "success"
	KindSoftFailure Kind = "soft_failure"
	KindHardFailure Kind = "hard_failure"
	KindAbandoned   Kind = "abandoned"
)

// Outcome is the classified result of an upstream call made with a pooled token.
// The set of implementations is closed: Success, SoftFailure, HardFailure, Abandoned.
type Outcome interface {
	Kind() Kind
	StatusCode() int
	outcome()
}

// Success means the upstream accepted the credential
type Success struct{ Status int }

// SoftFailure means transient upstream pressure: rate limit, server error, timeout
type SoftFailure struct{ Status int }

// HardFailure means the credential itself is invalid or revoked
type HardFailure struct{ Status int }

// Abandoned means no final upstream answer arrived: the caller gave up, or
// only an informational 1xx status was seen
type Abandoned struct{}

func (Success) Kind() Kind     { return KindSuccess }
func (SoftFailure) Kind() Kind { return KindSoftFailure }
func (HardFailure) Kind() Kind { return KindHardFailure }
func (Abandoned) Kind() Kind   { return KindAbandoned }

func (o Success) StatusCode() int     { return o.Status }
func (o SoftFailure) StatusCode() int { return o.Status }
func (o HardFailure) StatusCode() int { return o.Status }
func (Abandoned) StatusCode() int     { return 0 }

func (Success) outcome()     {}
func (SoftFailure) outcome() {}
func (HardFailure) outcome() {}
func (Abandoned) outcome()   {}

// Classify maps an upstream status code to an outcome.
// A status of 0 stands for a transport error or timeout.
func Classify(status int) Outcome {
	switch {
	case status >= 100 && status < 200:
		return Abandoned{}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return HardFailure{Status: status}
	case status == 0,
		status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return SoftFailure{Status: status}
	default:
		// 2xx, 3xx and the remaining 4xx: the credential was accepted,
		// whatever the request itself amounted to.
		return Success{Status: status}
	}
}
