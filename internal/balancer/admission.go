package balancer

import (
	"time"

	"github.com/llmlb/llmlb/internal/metrics"
)

// AdmissionDecision is the outcome of AdmissionControl: whether a new
// request should proceed immediately, proceed after a small added delay, or
// be rejected outright because the queue is saturated.
type AdmissionDecision struct {
	Kind  AdmissionKind
	Delay time.Duration // only meaningful when Kind == AdmissionAcceptWithDelay
}

// AdmissionKind enumerates the three AdmissionDecision shapes.
type AdmissionKind int

const (
	AdmissionAccept AdmissionKind = iota
	AdmissionAcceptWithDelay
	AdmissionReject
)

// AdmissionControl decides how to treat a new request given the current
// number of queue waiters against maxWaiters. Below 50% of capacity,
// requests are accepted immediately; between 50% and 80% they're accepted
// with a small, linearly-scaled delay meant to backpressure callers before
// the queue is actually full; at or above 80% new requests are rejected.
func (lm *LoadManager) AdmissionControl(maxWaiters int) AdmissionDecision {
	waiters := int(lm.queueWaiters.Load())
	decision := admissionControl(waiters, maxWaiters)
	metrics.AdmissionDecisions.WithLabelValues(decision.Kind.String()).Inc()
	return decision
}

// String renders the admission kind the way it appears on the
// llmlb_admission_decisions_total metric.
func (k AdmissionKind) String() string {
	switch k {
	case AdmissionAccept:
		return "accept"
	case AdmissionAcceptWithDelay:
		return "accept_with_delay"
	case AdmissionReject:
		return "reject"
	default:
		return "unknown"
	}
}

func admissionControl(waiters, maxWaiters int) AdmissionDecision {
	thresholdAccept := maxWaiters / 2
	thresholdReject := maxWaiters * 4 / 5

	switch {
	case waiters < thresholdAccept:
		return AdmissionDecision{Kind: AdmissionAccept}
	case waiters < thresholdReject:
		span := thresholdReject - thresholdAccept
		loadRatio := 0.0
		if span > 0 {
			loadRatio = float64(waiters-thresholdAccept) / float64(span)
		}
		delayMs := 10 + loadRatio*90
		return AdmissionDecision{Kind: AdmissionAcceptWithDelay, Delay: time.Duration(delayMs) * time.Millisecond}
	default:
		return AdmissionDecision{Kind: AdmissionReject}
	}
}
