package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

func insertRecord(ctx context.Context, db *sql.DB, r Record) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}

	var endpointID interface{}
	if r.EndpointID != nil {
		endpointID = r.EndpointID.String()
	}

	var requestBody, responseBody interface{}
	if len(r.RequestBody) > 0 {
		requestBody = string(r.RequestBody)
	}
	if len(r.ResponseBody) > 0 {
		responseBody = string(r.ResponseBody)
	}

	var completedAt interface{}
	if r.CompletedAt != nil {
		completedAt = *r.CompletedAt
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO request_response_records (
			id, timestamp, request_type, model, endpoint_id, endpoint_name, endpoint_host,
			client_ip, request_body, response_body, duration_ms, status, error_message,
			completed_at, input_tokens, output_tokens, total_tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID.String(), r.Timestamp, string(r.RequestType), r.Model, endpointID, r.EndpointName, r.EndpointHost,
		r.ClientIP, requestBody, responseBody, r.DurationMs, string(r.Status), r.ErrorMessage,
		completedAt, nullInt64(r.InputTokens), nullInt64(r.OutputTokens), nullInt64(r.TotalTokens),
	)
	return err
}

func nullInt64(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// Page is a bounded, time-descending slice of history records plus whether
// more rows exist beyond it.
type Page struct {
	Records []Record
	HasMore bool
}

// Filter narrows a listing query. Zero-valued fields are not applied.
type Filter struct {
	Model      string
	EndpointID *uuid.UUID
	Status     Status
	Since      *time.Time
}

// List returns a page of history records newest-first, applying Filter and
// a limit/offset pagination, for dashboard consumption.
func List(ctx context.Context, db *sql.DB, f Filter, limit, offset int) (Page, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT id, timestamp, request_type, model, endpoint_id, endpoint_name, endpoint_host,
		client_ip, request_body, response_body, duration_ms, status, error_message,
		completed_at, input_tokens, output_tokens, total_tokens
		FROM request_response_records WHERE 1=1`
	var args []interface{}

	if f.Model != "" {
		query += " AND model = ?"
		args = append(args, f.Model)
	}
	if f.EndpointID != nil {
		query += " AND endpoint_id = ?"
		args = append(args, f.EndpointID.String())
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *f.Since)
	}

	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit+1, offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return Page{}, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}
	return Page{Records: records, HasMore: hasMore}, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		r                                                   Record
		idStr, requestType, status                          string
		endpointIDStr, requestBody, responseBody, errMessage sql.NullString
		completedAt                                          sql.NullTime
		inputTokens, outputTokens, totalTokens               sql.NullInt64
	)

	if err := rows.Scan(&idStr, &r.Timestamp, &requestType, &r.Model, &endpointIDStr, &r.EndpointName, &r.EndpointHost,
		&r.ClientIP, &requestBody, &responseBody, &r.DurationMs, &status, &errMessage,
		&completedAt, &inputTokens, &outputTokens, &totalTokens); err != nil {
		return Record{}, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return Record{}, err
	}
	r.ID = id
	r.RequestType = RequestType(requestType)
	r.Status = Status(status)
	r.ErrorMessage = errMessage.String

	if endpointIDStr.Valid {
		if epID, err := uuid.Parse(endpointIDStr.String); err == nil {
			r.EndpointID = &epID
		}
	}
	if requestBody.Valid {
		r.RequestBody = []byte(requestBody.String)
	}
	if responseBody.Valid {
		r.ResponseBody = []byte(responseBody.String)
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	if inputTokens.Valid {
		v := inputTokens.Int64
		r.InputTokens = &v
	}
	if outputTokens.Valid {
		v := outputTokens.Int64
		r.OutputTokens = &v
	}
	if totalTokens.Valid {
		v := totalTokens.Int64
		r.TotalTokens = &v
	}

	return r, nil
}
