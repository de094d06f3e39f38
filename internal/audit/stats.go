package audit

import "context"

// tokenTotalExpr computes total_tokens for a row, falling back to
// input+output when the upstream response didn't report a combined total.
const tokenTotalExpr = `COALESCE(total_tokens, COALESCE(input_tokens, 0) + COALESCE(output_tokens, 0))`

// TokenStatistics returns the token-usage rollup across every audited
// request in the main database.
func (s *Store) TokenStatistics(ctx context.Context) (TokenStatistics, error) {
	var stats TokenStatistics
	err := s.main.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(`+tokenTotalExpr+`), 0),
			COUNT(*)
		FROM audit_log_entries
	`).Scan(&stats.TotalInputTokens, &stats.TotalOutputTokens, &stats.TotalTokens, &stats.RequestCount)
	return stats, err
}

// TokenStatisticsByModel returns the rollup grouped by model_name, richest
// model first, excluding entries with no model recorded.
func (s *Store) TokenStatisticsByModel(ctx context.Context) ([]ModelTokenStatistics, error) {
	rows, err := s.main.QueryContext(ctx, `
		SELECT
			model_name,
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(`+tokenTotalExpr+`), 0),
			COUNT(*)
		FROM audit_log_entries
		WHERE model_name IS NOT NULL
		GROUP BY model_name
		ORDER BY 4 DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModelTokenStatistics
	for rows.Next() {
		var m ModelTokenStatistics
		if err := rows.Scan(&m.Model, &m.TotalInputTokens, &m.TotalOutputTokens, &m.TotalTokens, &m.RequestCount); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DailyTokenStatistics returns the rollup grouped by UTC calendar day for
// the last `days` days, most recent day first.
func (s *Store) DailyTokenStatistics(ctx context.Context, days int) ([]DailyTokenStatistics, error) {
	rows, err := s.main.QueryContext(ctx, `
		SELECT
			DATE(timestamp),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(`+tokenTotalExpr+`), 0),
			COUNT(*)
		FROM audit_log_entries
		WHERE timestamp >= DATE('now', '-' || ? || ' days')
		GROUP BY DATE(timestamp)
		ORDER BY 1 DESC
	`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyTokenStatistics
	for rows.Next() {
		var d DailyTokenStatistics
		if err := rows.Scan(&d.Day, &d.TotalInputTokens, &d.TotalOutputTokens, &d.TotalTokens, &d.RequestCount); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MonthlyTokenStatistics returns the rollup grouped by UTC calendar month
// for the last `months` months, most recent month first.
func (s *Store) MonthlyTokenStatistics(ctx context.Context, months int) ([]MonthlyTokenStatistics, error) {
	rows, err := s.main.QueryContext(ctx, `
		SELECT
			strftime('%Y-%m', timestamp),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(`+tokenTotalExpr+`), 0),
			COUNT(*)
		FROM audit_log_entries
		WHERE timestamp >= DATE('now', '-' || ? || ' months')
		GROUP BY strftime('%Y-%m', timestamp)
		ORDER BY 1 DESC
	`, months)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MonthlyTokenStatistics
	for rows.Next() {
		var m MonthlyTokenStatistics
		if err := rows.Scan(&m.Month, &m.TotalInputTokens, &m.TotalOutputTokens, &m.TotalTokens, &m.RequestCount); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
