package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdmissionControl(t *testing.T) {
	maxWaiters := 100

	accept := admissionControl(10, maxWaiters)
	assert.Equal(t, AdmissionAccept, accept.Kind)

	atThreshold := admissionControl(50, maxWaiters)
	assert.Equal(t, AdmissionAcceptWithDelay, atThreshold.Kind)
	assert.GreaterOrEqual(t, atThreshold.Delay, 10*time.Millisecond)

	nearReject := admissionControl(79, maxWaiters)
	assert.Equal(t, AdmissionAcceptWithDelay, nearReject.Kind)
	assert.Less(t, nearReject.Delay, 100*time.Millisecond)

	reject := admissionControl(80, maxWaiters)
	assert.Equal(t, AdmissionReject, reject.Kind)

	full := admissionControl(100, maxWaiters)
	assert.Equal(t, AdmissionReject, full.Kind)
}

func TestAdmissionControlDelayMonotonic(t *testing.T) {
	maxWaiters := 100
	prev := admissionControl(50, maxWaiters).Delay
	for w := 51; w < 80; w++ {
		d := admissionControl(w, maxWaiters).Delay
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}
