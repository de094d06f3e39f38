package proxy

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/llmlb/llmlb/internal/apierr"
	"github.com/llmlb/llmlb/internal/audit"
	"github.com/llmlb/llmlb/internal/history"
	"github.com/llmlb/llmlb/internal/metrics"
)

// recordOutcome persists the history + audit rows for one completed or
// failed request and bumps the request-count/duration metrics. Every local
// routing path and every rejection made before a cloud adapter is called
// funnels through here exactly once; requests a cloud adapter handled go
// through recordCloudOutcome instead. Between the two, invariant 1 (one
// history row per completed request, Success or Error) always holds.
func (e *Engine) recordOutcome(c *gin.Context, reqType history.RequestType, endpointID *uuid.UUID, endpointName, endpointHost, modelName string, start time.Time, reqBody []byte, respBody []byte, status history.Status, errMsg string, httpStatus int) {
	duration := time.Since(start)
	metrics.RequestsTotal.WithLabelValues(c.Request.URL.Path, string(status)).Inc()
	metrics.RequestDuration.WithLabelValues(c.Request.URL.Path).Observe(duration.Seconds())

	usage := tokenUsage{}
	var respRaw json.RawMessage
	if respBody != nil {
		respRaw = respBody
		usage = extractUsage(respBody)
	}

	now := time.Now()
	actorType, actorID, actorUsername := requestActor(c)

	rec := history.Record{
		ID:           uuid.New(),
		Timestamp:    start,
		RequestType:  reqType,
		Model:        modelName,
		EndpointID:   endpointID,
		EndpointName: endpointName,
		EndpointHost: endpointHost,
		ClientIP:     clientIP(c),
		RequestBody:  json.RawMessage(reqBody),
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

	var endpointIDStr string
	if endpointID != nil {
		endpointIDStr = endpointID.String()
	}

	e.Audit.Record(audit.Entry{
		Timestamp:     start,
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
		ModelName:     modelName,
		EndpointID:    endpointIDStr,
		Detail:        errMsg,
	})
}

// fail records an Error outcome and writes the shaped error response in one step.
func (e *Engine) fail(c *gin.Context, reqType history.RequestType, modelName string, start time.Time, reqBody []byte, status int, body apierr.Body, detail string) {
	e.recordOutcome(c, reqType, nil, "", "", modelName, start, reqBody, nil, history.StatusError, detail, status)
	writeError(c, status, body)
}
