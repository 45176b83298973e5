package sandbox

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Audit log field names written by the proxy, one line per outbound LLM
// call, space-separated key=value pairs. Values never contain spaces.
const (
	auditFieldCallID = "litellm_call_id"
	auditFieldCost   = "litellm_response_cost"
	auditFieldRunID  = "run_id"

	auditAbsent = "-"
)

// Entry is one billable LLM call recovered from the proxy audit log.
type Entry struct {
	ProviderCallID string
	CostUSD        *float64
}

// ParseAudit reads the proxy's audit log. It returns the billable
// entries in log order plus the number of call lines seen before
// discarding, which is how a run with LLM traffic but no billable ids
// gets detected. Lines whose call id is missing or "-" are discarded;
// duplicate call ids collapse onto the first occurrence. When runID is
// non-empty, lines tagged with a different run are ignored entirely.
func ParseAudit(r io.Reader, runID string) ([]Entry, int, error) {
	var (
		entries []Entry
		calls   int
		seen    = map[string]struct{}{}
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		fields := parseAuditLine(sc.Text())
		if fields == nil {
			continue
		}
		if runID != "" {
			if lineRun, ok := fields[auditFieldRunID]; ok && lineRun != runID {
				continue
			}
		}
		calls++

		id, ok := fields[auditFieldCallID]
		if !ok || id == auditAbsent || id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		e := Entry{ProviderCallID: id}
		if raw, ok := fields[auditFieldCost]; ok && raw != auditAbsent {
			if cost, err := strconv.ParseFloat(raw, 64); err == nil {
				e.CostUSD = &cost
			}
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan audit log: %w", err)
	}
	return entries, calls, nil
}

// parseAuditLine splits one log line into its key=value pairs. Lines
// without a call id field are not call records (startup banners, proxy
// chatter) and map to nil.
func parseAuditLine(line string) map[string]string {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	fields := map[string]string{}
	for _, tok := range strings.Fields(line) {
		if k, v, ok := strings.Cut(tok, "="); ok {
			fields[k] = v
		}
	}
	if _, ok := fields[auditFieldCallID]; !ok {
		return nil
	}
	return fields
}
