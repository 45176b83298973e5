package litellm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const maxSpendPage = 100

// ErrRangeTooLarge means the bounded scan filled a whole page without
// reaching the start of the requested range; the result would be
// silently truncated, so the caller must narrow the range instead.
var ErrRangeTooLarge = errors.New("spend log range exceeds one page; narrow the window")

// SpendLog is one upstream usage telemetry row.
type SpendLog struct {
	RequestID string
	Model     string
	Spend     float64
	EndUser   string
	StartTime time.Time
}

type spendLogRow struct {
	RequestID string  `json:"request_id"`
	Model     string  `json:"model"`
	Spend     float64 `json:"spend"`
	EndUser   string  `json:"end_user"`
	StartTime string  `json:"startTime"`
}

// SpendLogs fetches per-call usage rows for an account and filters them
// to [from, to) in memory. start_date/end_date are deliberately never
// sent: they flip the upstream endpoint into aggregation mode. Rows come
// back newest first; when a full page still hasn't reached `from`, the
// scan is bounded and ErrRangeTooLarge is returned rather than
// truncated data.
func (c *Client) SpendLogs(ctx context.Context, accountID string, from, to time.Time, limit int) ([]SpendLog, error) {
	if limit <= 0 || limit > maxSpendPage {
		limit = maxSpendPage
	}

	q := url.Values{}
	q.Set("end_user", accountID)
	q.Set("limit", strconv.Itoa(limit))

	resp, err := c.do(ctx, c.oneshot, http.MethodGet, "/spend/logs?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("litellm spend logs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamErr(resp)
	}

	var rows []spendLogRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode spend logs: %w", err)
	}

	var (
		out    []SpendLog
		oldest time.Time
	)
	for _, row := range rows {
		ts, err := parseSpendTime(row.StartTime)
		if err != nil {
			c.log.Warn("litellm spend logs: unparseable startTime skipped")
			continue
		}
		if oldest.IsZero() || ts.Before(oldest) {
			oldest = ts
		}
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		out = append(out, SpendLog{
			RequestID: row.RequestID,
			Model:     row.Model,
			Spend:     row.Spend,
			EndUser:   row.EndUser,
			StartTime: ts,
		})
	}

	if len(rows) == limit && oldest.After(from) {
		return nil, ErrRangeTooLarge
	}
	return out, nil
}

func parseSpendTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
