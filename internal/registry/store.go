package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/llmlb/llmlb/internal/model"
)

// gpuInfoRow is the JSON-on-disk shape of model.GPUInfo: SQLite has no
// struct column type, so the GPU fingerprint is stored as a single JSON blob
// the way the teacher stores its other semi-structured provider payloads.
type gpuInfoRow struct {
	DeviceCount       *int     `json:"device_count,omitempty"`
	MemoryTotalBytes  *uint64  `json:"memory_total_bytes,omitempty"`
	MemoryUsedBytes   *uint64  `json:"memory_used_bytes,omitempty"`
	CapabilityScore   *float32 `json:"capability_score,omitempty"`
	ModelName         *string  `json:"model_name,omitempty"`
	ComputeCapability *string  `json:"compute_capability,omitempty"`
	TemperatureC      *float32 `json:"temperature_c,omitempty"`
}

func toGPURow(g model.GPUInfo) gpuInfoRow {
	return gpuInfoRow{
		DeviceCount:       g.DeviceCount,
		MemoryTotalBytes:  g.MemoryTotalBytes,
		MemoryUsedBytes:   g.MemoryUsedBytes,
		CapabilityScore:   g.CapabilityScore,
		ModelName:         g.ModelName,
		ComputeCapability: g.ComputeCapability,
		TemperatureC:      g.TemperatureC,
	}
}

func (g gpuInfoRow) toGPUInfo() model.GPUInfo {
	return model.GPUInfo{
		DeviceCount:       g.DeviceCount,
		MemoryTotalBytes:  g.MemoryTotalBytes,
		MemoryUsedBytes:   g.MemoryUsedBytes,
		CapabilityScore:   g.CapabilityScore,
		ModelName:         g.ModelName,
		ComputeCapability: g.ComputeCapability,
		TemperatureC:      g.TemperatureC,
	}
}

func upsertEndpoint(ctx context.Context, db *sql.DB, ep model.Endpoint) error {
	gpuJSON, err := json.Marshal(toGPURow(ep.GPU))
	if err != nil {
		return fmt.Errorf("marshal gpu info: %w", err)
	}

	var lastSeenAt, removedAt sql.NullTime
	if ep.LastSeenAt != nil {
		lastSeenAt = sql.NullTime{Time: *ep.LastSeenAt, Valid: true}
	}
	if ep.RemovedAt != nil {
		removedAt = sql.NullTime{Time: *ep.RemovedAt, Valid: true}
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO endpoints (
			id, name, base_url, kind, status, gpu_info, supports_responses_api,
			created_at, last_seen_at, removed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			base_url = excluded.base_url,
			kind = excluded.kind,
			status = excluded.status,
			gpu_info = excluded.gpu_info,
			supports_responses_api = excluded.supports_responses_api,
			last_seen_at = excluded.last_seen_at,
			removed_at = excluded.removed_at
	`,
		ep.ID.String(), ep.Name, ep.BaseURL, string(ep.Kind), string(ep.Status), string(gpuJSON),
		ep.SupportsResponsesAPI, ep.CreatedAt, lastSeenAt, removedAt,
	)
	return err
}

func upsertEndpointModel(ctx context.Context, db *sql.DB, m model.EndpointModel) error {
	caps := make([]string, len(m.Capabilities))
	for i, c := range m.Capabilities {
		caps[i] = string(c)
	}
	apis := make([]string, len(m.SupportedAPIs))
	for i, a := range m.SupportedAPIs {
		apis[i] = string(a)
	}

	var maxTokens sql.NullInt64
	if m.MaxTokens != nil {
		maxTokens = sql.NullInt64{Int64: int64(*m.MaxTokens), Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO endpoint_models (
			endpoint_id, model_id, capabilities, max_tokens, last_checked, supported_apis
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint_id, model_id) DO UPDATE SET
			capabilities = excluded.capabilities,
			max_tokens = excluded.max_tokens,
			last_checked = excluded.last_checked,
			supported_apis = excluded.supported_apis
	`,
		m.EndpointID.String(), m.ModelID, strings.Join(caps, ","), maxTokens, m.LastChecked, strings.Join(apis, ","),
	)
	return err
}

func loadEndpoints(ctx context.Context, db *sql.DB) (map[uuid.UUID]model.Endpoint, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, base_url, kind, status, gpu_info, supports_responses_api,
		       created_at, last_seen_at, removed_at
		FROM endpoints
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.Endpoint)
	for rows.Next() {
		var (
			idStr, name, baseURL, kind, status, gpuJSON string
			supportsResponses                           bool
			createdAt                                   time.Time
			lastSeenAt, removedAt                       sql.NullTime
		)
		if err := rows.Scan(&idStr, &name, &baseURL, &kind, &status, &gpuJSON,
			&supportsResponses, &createdAt, &lastSeenAt, &removedAt); err != nil {
			return nil, err
		}

		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint id %q: %w", idStr, err)
		}

		var gpuRow gpuInfoRow
		if gpuJSON != "" {
			if err := json.Unmarshal([]byte(gpuJSON), &gpuRow); err != nil {
				return nil, fmt.Errorf("unmarshal gpu info for %s: %w", idStr, err)
			}
		}

		ep := model.Endpoint{
			ID:                   id,
			Name:                 name,
			BaseURL:              baseURL,
			Kind:                 model.EndpointKind(kind),
			Status:               model.EndpointStatus(status),
			GPU:                  gpuRow.toGPUInfo(),
			SupportsResponsesAPI: supportsResponses,
			CreatedAt:            createdAt,
		}
		if lastSeenAt.Valid {
			t := lastSeenAt.Time
			ep.LastSeenAt = &t
		}
		if removedAt.Valid {
			t := removedAt.Time
			ep.RemovedAt = &t
		}
		out[id] = ep
	}
	return out, rows.Err()
}

func loadEndpointModels(ctx context.Context, db *sql.DB) (map[uuid.UUID][]model.EndpointModel, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT endpoint_id, model_id, capabilities, max_tokens, last_checked, supported_apis
		FROM endpoint_models
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]model.EndpointModel)
	for rows.Next() {
		var (
			endpointIDStr, modelID, capsStr, apisStr string
			maxTokens                                sql.NullInt64
			lastChecked                              time.Time
		)
		if err := rows.Scan(&endpointIDStr, &modelID, &capsStr, &maxTokens, &lastChecked, &apisStr); err != nil {
			return nil, err
		}

		endpointID, err := uuid.Parse(endpointIDStr)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint id %q: %w", endpointIDStr, err)
		}

		m := model.EndpointModel{
			EndpointID:  endpointID,
			ModelID:     modelID,
			LastChecked: lastChecked,
		}
		if capsStr != "" {
			for _, c := range strings.Split(capsStr, ",") {
				m.Capabilities = append(m.Capabilities, model.Capability(c))
			}
		}
		if apisStr != "" {
			for _, a := range strings.Split(apisStr, ",") {
				m.SupportedAPIs = append(m.SupportedAPIs, model.SupportedAPI(a))
			}
		}
		if maxTokens.Valid {
			v := int(maxTokens.Int64)
			m.MaxTokens = &v
		}

		out[endpointID] = append(out[endpointID], m)
	}
	return out, rows.Err()
}
