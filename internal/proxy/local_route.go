package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/llmlb/llmlb/internal/apierr"
	"github.com/llmlb/llmlb/internal/balancer"
	"github.com/llmlb/llmlb/internal/history"
	"github.com/llmlb/llmlb/internal/model"
)

// Route implements the routing decision tree (spec §4.4) shared by
// /v1/chat/completions, /v1/completions, and /v1/embeddings.
func (e *Engine) Route(c *gin.Context, reqType history.RequestType) {
	start := time.Now()

	body, raw, err := decodeBody(c)
	if err != nil {
		e.fail(c, reqType, "", start, raw, 400, apierr.New(apierr.TypeInvalidRequest, 400, "invalid JSON request body"), err.Error())
		return
	}

	rawModel := modelField(body)
	if rawModel == "" && reqType == history.RequestTypeEmbeddings {
		rawModel = e.Config.DefaultEmbeddingModel
		body["model"] = rawModel
		raw, _ = json.Marshal(body)
	}
	if rawModel == "" {
		e.fail(c, reqType, "", start, raw, 400, apierr.New(apierr.TypeInvalidRequest, 400, "model is required"), "missing model field")
		return
	}

	parsed := model.ParseModelName(rawModel)
	if parsed.Provider != model.CloudProviderNone {
		e.routeCloud(c, reqType, parsed, body)
		return
	}

	modelID := parsed.WithoutPrefix

	if reqType == history.RequestTypeChat {
		found, hasCap := e.modelCapability(modelID, model.CapabilityTextGeneration)
		if found && !hasCap {
			e.fail(c, reqType, modelID, start, raw, 400, apierr.New(apierr.TypeInvalidRequest, 400, "model does not support text generation"), "capability mismatch")
			return
		}
		if messagesHaveImage(body) {
			e.fail(c, reqType, modelID, start, raw, 400, apierr.New(apierr.TypeInvalidRequest, 400, "image content is not supported on chat completions"), "image content rejected")
			return
		}
	}

	// Step 5: fast path — an idle, model-capable endpoint right now.
	idleEp, idleErr := e.Balancer.SelectIdleEndpointForModel(modelID)
	if idleErr == nil && idleEp != nil {
		e.forwardLocal(c, reqType, modelID, idleEp, raw, body, 0, start)
		return
	}
	if idleErr != nil {
		if !e.modelKnown(modelID) {
			e.fail(c, reqType, modelID, start, raw, 404, modelNotFoundBody(modelID), "model not found")
			return
		}
		e.fail(c, reqType, modelID, start, raw, 503, apierr.NewWithCode(apierr.TypeServiceUnavailable, "no_capable_nodes", "no capable nodes for model: "+modelID), "no capable nodes")
		return
	}

	// Step 6: no endpoint is idle right now, but at least one advertises the
	// model — fall through to queue/admission rather than failing outright.
	if !e.modelKnown(modelID) {
		e.fail(c, reqType, modelID, start, raw, 404, modelNotFoundBody(modelID), "model not found")
		return
	}

	// Step 7: admission control, then wait for an idle node.
	decision := e.Balancer.AdmissionControl(e.Config.MaxWaiters)
	switch decision.Kind {
	case balancer.AdmissionReject:
		retryAfter := retryAfterSeconds(int(e.Config.QueueTimeout.Seconds()))
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		e.fail(c, reqType, modelID, start, raw, 429, apierr.New(apierr.TypeRateLimitExceeded, 429, "request queue is full"), "admission rejected")
		return
	case balancer.AdmissionAcceptWithDelay:
		select {
		case <-time.After(decision.Delay):
		case <-c.Request.Context().Done():
			e.fail(c, reqType, modelID, start, raw, 504, apierr.New(apierr.TypeTimeout, 504, "request cancelled during admission delay"), "context cancelled")
			return
		}
	}

	waitStart := time.Now()
	result := e.Balancer.WaitForIdleNodeWithTimeoutForModel(c.Request.Context(), e.Config.MaxWaiters, e.Config.QueueTimeout, modelID)
	switch result {
	case balancer.WaitCapacityExceeded:
		retryAfter := retryAfterSeconds(int(e.Config.QueueTimeout.Seconds()))
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		e.fail(c, reqType, modelID, start, raw, 429, apierr.New(apierr.TypeRateLimitExceeded, 429, "request queue is full"), "queue capacity exceeded")
		return
	case balancer.WaitTimeout:
		e.fail(c, reqType, modelID, start, raw, 504, apierr.New(apierr.TypeTimeout, 504, "timed out waiting for an available endpoint"), "queue wait timeout")
		return
	}

	queuedWaitMs := time.Since(waitStart).Milliseconds()
	ep, err := e.Balancer.SelectIdleEndpointForModel(modelID)
	if err != nil || ep == nil {
		fallback, err2 := e.Balancer.SelectEndpointRoundRobinReadyForModel(modelID)
		if err2 != nil {
			e.fail(c, reqType, modelID, start, raw, 503, apierr.NewWithCode(apierr.TypeServiceUnavailable, "no_capable_nodes", "no capable nodes for model: "+modelID), "no capable nodes after wait")
			return
		}
		ep = &fallback
	}

	e.forwardLocal(c, reqType, modelID, ep, raw, body, queuedWaitMs, start)
}

func modelNotFoundBody(modelID string) apierr.Body {
	body := apierr.New(apierr.TypeInvalidRequest, 404, "model not found: "+modelID)
	body.Error.Param = "model"
	body.Error.Code = "model_not_found"
	return body
}

func (e *Engine) modelKnown(modelID string) bool {
	for _, ms := range e.Registry.AllModels() {
		for _, m := range ms {
			if m.ModelID == modelID {
				return true
			}
		}
	}
	return false
}

func (e *Engine) modelCapability(modelID string, cap model.Capability) (found bool, has bool) {
	for _, ms := range e.Registry.AllModels() {
		for _, m := range ms {
			if m.ModelID == modelID {
				found = true
				if m.HasCapability(cap) {
					has = true
				}
			}
		}
	}
	return
}

// forwardLocal implements steps 8–10: acquire a lease, POST the client's
// original payload to the endpoint, and finish the lease according to the
// outcome.
func (e *Engine) forwardLocal(c *gin.Context, reqType history.RequestType, modelID string, ep *model.Endpoint, raw []byte, body map[string]interface{}, queuedWaitMs int64, start time.Time) {
	lease, err := e.Balancer.BeginRequest(ep.ID)
	if err != nil {
		e.fail(c, reqType, modelID, start, raw, 503, apierr.New(apierr.TypeServiceUnavailable, 503, "endpoint no longer available"), err.Error())
		return
	}
	defer lease.CompleteIfPending()

	if queuedWaitMs > 0 {
		c.Header("x-queue-status", "queued")
		c.Header("x-queue-wait-ms", strconv.FormatInt(queuedWaitMs, 10))
	}

	stream := streamField(body)
	ctx := c.Request.Context()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+c.Request.URL.Path, bytes.NewReader(raw))
	if err != nil {
		lease.Complete(balancer.OutcomeError, lease.Elapsed())
		e.fail(c, reqType, modelID, start, raw, 500, apierr.New(apierr.TypeServiceUnavailable, 500, "failed to build upstream request"), err.Error())
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if auth := c.Request.Header.Get("Authorization"); auth != "" {
		httpReq.Header.Set("Authorization", auth)
	}

	forwardStart := time.Now()
	resp, err := e.HTTPClient.Do(httpReq)
	duration := time.Since(forwardStart)
	if err != nil {
		lease.Complete(balancer.OutcomeError, duration)
		e.recordOutcome(c, reqType, &ep.ID, ep.Name, ep.BaseURL, modelID, start, raw, nil, history.StatusError, err.Error(), 502)
		writeError(c, 502, apierr.New(apierr.TypeUpstreamError, 502, "endpoint request failed: "+err.Error()))
		return
	}
	defer resp.Body.Close()

	if stream {
		lease.Complete(balancer.OutcomeSuccess, duration)
		copyHeaders(c, resp.Header)
		c.Status(resp.StatusCode)
		c.Writer.Flush()
		io.Copy(c.Writer, resp.Body)
		e.recordOutcome(c, reqType, &ep.ID, ep.Name, ep.BaseURL, modelID, start, raw, nil, history.StatusSuccess, "", resp.StatusCode)
		go e.updateLatency(ep.ID, duration)
		return
	}

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		lease.Complete(balancer.OutcomeError, duration)
		e.recordOutcome(c, reqType, &ep.ID, ep.Name, ep.BaseURL, modelID, start, raw, nil, history.StatusError, err.Error(), 502)
		writeError(c, 502, apierr.New(apierr.TypeUpstreamError, 502, "failed reading endpoint response: "+err.Error()))
		return
	}

	if resp.StatusCode >= 300 {
		lease.Complete(balancer.OutcomeError, duration)
		e.recordOutcome(c, reqType, &ep.ID, ep.Name, ep.BaseURL, modelID, start, raw, respBytes, history.StatusError, string(respBytes), resp.StatusCode)
		writeError(c, resp.StatusCode, apierr.New(apierr.TypeUpstreamError, resp.StatusCode, string(respBytes)))
		return
	}

	usage := extractUsage(respBytes)
	lease.CompleteWithTokens(modelID, balancer.OutcomeSuccess, duration, balancer.TokenUsage{
		InputTokens:  toUint64Ptr(usage.InputTokens),
		OutputTokens: toUint64Ptr(usage.OutputTokens),
		TotalTokens:  toUint64Ptr(usage.TotalTokens),
	})
	e.recordOutcome(c, reqType, &ep.ID, ep.Name, ep.BaseURL, modelID, start, raw, respBytes, history.StatusSuccess, "", resp.StatusCode)
	go e.updateLatency(ep.ID, duration)

	c.Data(resp.StatusCode, "application/json", respBytes)
}

// updateLatency is the fire-and-forget dashboard latency feedback spec.md
// §4.4 describes as a spawned task; failures are logged at debug level by
// the registry itself and never surface here.
func (e *Engine) updateLatency(endpointID uuid.UUID, d time.Duration) {
	e.Registry.UpdateInferenceLatency(endpointID, float64(d.Milliseconds()))
}
