package proxy

import (
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/llmlb/llmlb/internal/apierr"
	"github.com/llmlb/llmlb/internal/audit"
	"github.com/llmlb/llmlb/internal/history"
	"github.com/llmlb/llmlb/internal/metrics"
	"github.com/llmlb/llmlb/internal/model"
	"github.com/llmlb/llmlb/internal/proxy/cloud"
)

func toCloudProvider(p model.CloudProvider) (cloud.Provider, bool) {
	switch p {
	case model.CloudProviderOpenAI:
		return cloud.ProviderOpenAI, true
	case model.CloudProviderGoogle:
		return cloud.ProviderGoogle, true
	case model.CloudProviderAnthropic:
		return cloud.ProviderAnthropic, true
	}
	return "", false
}

// routeCloud handles step 2 of the routing decision tree: a model name
// carrying a recognised cloud prefix is forwarded to the matching adapter
// instead of the local endpoint pool.
func (e *Engine) routeCloud(c *gin.Context, reqType history.RequestType, parsed model.ParsedModelName, body map[string]interface{}) {
	provider, ok := toCloudProvider(parsed.Provider)
	if !ok {
		raw, _ := json.Marshal(body)
		e.fail(c, reqType, modelField(body), time.Now(), raw, 400, apierr.New(apierr.TypeInvalidRequest, 400, "unrecognized cloud model prefix"), "unrecognized cloud model prefix")
		return
	}
	adapter, ok := e.Cloud[provider]
	if !ok {
		raw, _ := json.Marshal(body)
		e.fail(c, reqType, modelField(body), time.Now(), raw, 400, apierr.New(apierr.TypeInvalidRequest, 400, "cloud provider not configured: "+string(provider)), "cloud provider not configured")
		return
	}

	stream := streamField(body)
	body["model"] = parsed.WithoutPrefix
	req := cloud.Request{
		Path:   c.Request.URL.Path,
		Model:  parsed.WithoutPrefix,
		Body:   body,
		Stream: stream,
	}

	start := time.Now()
	resp, err := adapter.Forward(c.Request.Context(), req)
	duration := time.Since(start)
	endpointID := CloudEndpointID(provider)

	if err != nil {
		if authErr, ok := err.(*cloud.AuthenticationError); ok {
			e.recordCloudOutcome(c, reqType, endpointID, provider, body, duration, history.StatusError, authErr.Error(), nil, 401)
			writeError(c, 401, apierr.New(apierr.TypeAuthentication, 401, authErr.Error()))
			return
		}
		e.Logger.WithContext(c.Request.Context()).Error("cloud adapter transport failure", "provider", provider, "error", err)
		e.recordCloudOutcome(c, reqType, endpointID, provider, body, duration, history.StatusError, err.Error(), nil, 502)
		writeError(c, 502, apierr.New(apierr.TypeUpstreamError, 502, "cloud provider request failed: "+err.Error()))
		return
	}
	defer resp.Body.Close()

	e.Logger.WithContext(c.Request.Context()).Info("cloud request", "provider", provider, "model", parsed.WithoutPrefix, "stream", stream, "status", resp.StatusCode, "latency_ms", duration.Milliseconds())

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		e.recordCloudOutcome(c, reqType, endpointID, provider, body, duration, history.StatusError, string(respBody), nil, resp.StatusCode)
		writeError(c, resp.StatusCode, apierr.New(apierr.TypeUpstreamError, resp.StatusCode, string(respBody)))
		return
	}

	if stream {
		copyHeaders(c, resp.Header)
		c.Status(resp.StatusCode)
		c.Writer.Flush()
		io.Copy(c.Writer, resp.Body)
		e.recordCloudOutcome(c, reqType, endpointID, provider, body, duration, history.StatusSuccess, "", nil, resp.StatusCode)
		return
	}

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		e.recordCloudOutcome(c, reqType, endpointID, provider, body, duration, history.StatusError, err.Error(), nil, 502)
		writeError(c, 502, apierr.New(apierr.TypeUpstreamError, 502, "failed reading cloud response: "+err.Error()))
		return
	}

	e.recordCloudOutcome(c, reqType, endpointID, provider, body, duration, history.StatusSuccess, "", &respBytes, resp.StatusCode)
	c.Data(resp.StatusCode, "application/json", respBytes)
}

func copyHeaders(c *gin.Context, h map[string][]string) {
	for k, vs := range h {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
}

func (e *Engine) recordCloudOutcome(c *gin.Context, reqType history.RequestType, endpointID uuid.UUID, provider cloud.Provider, reqBody map[string]interface{}, duration time.Duration, status history.Status, errMsg string, respBody *[]byte, httpStatus int) {
	metrics.RequestsTotal.WithLabelValues(c.Request.URL.Path, string(status)).Inc()
	metrics.RequestDuration.WithLabelValues(c.Request.URL.Path).Observe(duration.Seconds())

	reqRaw, _ := json.Marshal(reqBody)
	var respRaw json.RawMessage
	usage := tokenUsage{}
	if respBody != nil {
		respRaw = *respBody
		usage = extractUsage(*respBody)
	}

	now := time.Now()
	actorType, actorID, actorUsername := requestActor(c)

	rec := history.Record{
		ID:           uuid.New(),
		Timestamp:    now.Add(-duration),
		RequestType:  reqType,
		Model:        string(provider) + ":" + modelField(reqBody),
		EndpointID:   &endpointID,
		EndpointName: "cloud:" + string(provider),
		EndpointHost: cloudEndpointSentinelHost,
		ClientIP:     clientIP(c),
		RequestBody:  reqRaw,
		ResponseBody: respRaw,
		DurationMs:   duration.Milliseconds(),
		Status:       status,
		ErrorMessage: errMsg,
		CompletedAt:  &now,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  usage.TotalTokens,
	}
	e.History.Save(rec)

	endpointIDStr := endpointID.String()
	e.Audit.Record(audit.Entry{
		Timestamp:     rec.Timestamp,
		HTTPMethod:    c.Request.Method,
		RequestPath:   c.Request.URL.Path,
		StatusCode:    httpStatus,
		ActorType:     actorType,
		ActorID:       actorID,
		ActorUsername: actorUsername,
		ClientIP:      rec.ClientIP,
		DurationMs:    rec.DurationMs,
		InputTokens:   usage.InputTokens,
		OutputTokens:  usage.OutputTokens,
		TotalTokens:   usage.TotalTokens,
		ModelName:     rec.Model,
		EndpointID:    endpointIDStr,
		Detail:        errMsg,
	})
}
