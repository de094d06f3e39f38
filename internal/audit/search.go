package audit

import (
	"context"
	"strings"
)

// SearchEntries runs a full-text search over request_path, actor_id,
// actor_username, and detail via the audit_log_fts virtual table the insert
// triggers keep in sync with audit_log_entries, returning matches newest
// first. An empty or all-whitespace query (or one that sanitizes down to
// nothing, e.g. a lone `"`) matches nothing rather than the whole table.
func (s *Store) SearchEntries(ctx context.Context, query string, limit, offset int) ([]Entry, error) {
	sanitized := sanitizeFTSQuery(query)
	if sanitized == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.main.QueryContext(ctx, `
		SELECT e.id, e.timestamp, e.http_method, e.request_path, e.status_code, e.actor_type,
		       e.actor_id, e.actor_username, e.api_key_owner_id, e.client_ip, e.duration_ms,
		       e.input_tokens, e.output_tokens, e.total_tokens, e.model_name, e.endpoint_id,
		       e.detail, e.batch_id, e.is_migrated, e.created_at
		FROM audit_log_fts fts
		JOIN audit_log_entries e ON fts.rowid = e.id
		WHERE audit_log_fts MATCH ?
		ORDER BY e.timestamp DESC
		LIMIT ? OFFSET ?
	`, sanitized, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// CountSearchResults returns how many entries SearchEntries would return
// across all pages for the same query.
func (s *Store) CountSearchResults(ctx context.Context, query string) (int64, error) {
	sanitized := sanitizeFTSQuery(query)
	if sanitized == "" {
		return 0, nil
	}

	var count int64
	err := s.main.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_log_fts fts
		JOIN audit_log_entries e ON fts.rowid = e.id
		WHERE audit_log_fts MATCH ?
	`, sanitized).Scan(&count)
	return count, err
}

// sanitizeFTSQuery quotes every whitespace-separated word so the FTS5
// query parser treats it as a literal token instead of grammar (AND, OR,
// NOT, column filters, prefix `*`, …), and strips embedded double quotes
// from each word first so a caller can't close the quoted literal early and
// inject FTS5 syntax of their own.
func sanitizeFTSQuery(query string) string {
	words := strings.Fields(query)
	quoted := make([]string, 0, len(words))
	for _, word := range words {
		clean := strings.ReplaceAll(word, `"`, "")
		if clean == "" {
			continue
		}
		quoted = append(quoted, `"`+clean+`"`)
	}
	return strings.Join(quoted, " ")
}
