package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/keywheel/keywheel/internal/kwerr"
	"github.com/keywheel/keywheel/internal/store"
)

// Standard selects which compliance view a report covers.
type Standard string

const (
	StandardSOC2 Standard = "soc2"
	StandardPCI  Standard = "pci_dss"
	StandardAll  Standard = "all"
)

// soc2Actions are the access and privilege events SOC 2 reviews care about.
var soc2Actions = []string{
	ActionAccessDenied,
	ActionEmergencyGranted,
	ActionEmergencyRevoked,
	ActionEmergencyExpired,
	ActionIPWhitelistUpdated,
	ActionDomainWhitelistUpdated,
	ActionRateLimitsUpdated,
}

// pciActions are the credential lifecycle events PCI DSS requirement 8 maps
// to.
var pciActions = []string{
	ActionCredentialCreated,
	ActionCredentialRevoked,
	ActionRotationInitiated,
	ActionRotationCompleted,
	ActionRotationRolledBack,
	ActionRotationFailed,
}

// Statistics summarizes trail activity over a time range.
type Statistics struct {
	From         time.Time
	To           time.Time
	Total        int
	PerAction    map[string]int
	SuccessCount int
	FailureCount int
	SuccessRate  float64
}

// ReportSection groups one standard's events inside a compliance report.
type ReportSection struct {
	Standard Standard
	Actions  map[string]int
	Failures []*store.AuditEntry
}

// ComplianceReport is the reviewer-facing rollup for an audit period.
type ComplianceReport struct {
	From        time.Time
	To          time.Time
	GeneratedAt time.Time
	Sections    []ReportSection
}

// Reporter answers read-only questions about the trail.
type Reporter struct {
	store store.Store
}

// NewReporter creates a reporter over the given store.
func NewReporter(s store.Store) *Reporter {
	return &Reporter{store: s}
}

// Query returns matching entries plus the total match count for pagination.
func (r *Reporter) Query(ctx context.Context, f store.AuditFilter, p store.Page) ([]*store.AuditEntry, int, error) {
	return r.store.ListAudit(ctx, f, p)
}

// Statistics computes per-action counts and the overall success rate for the
// range.
func (r *Reporter) Statistics(ctx context.Context, from, to time.Time) (*Statistics, error) {
	entries, err := r.collect(ctx, store.AuditFilter{From: from, To: to})
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		From:      from,
		To:        to,
		Total:     len(entries),
		PerAction: make(map[string]int),
	}
	for _, e := range entries {
		stats.PerAction[e.Action]++
		if e.Success {
			stats.SuccessCount++
		} else {
			stats.FailureCount++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.Total)
	}
	return stats, nil
}

// Report builds a compliance report for the requested standard.
func (r *Reporter) Report(ctx context.Context, from, to time.Time, standard Standard) (*ComplianceReport, error) {
	var standards []Standard
	switch standard {
	case StandardSOC2, StandardPCI:
		standards = []Standard{standard}
	case StandardAll:
		standards = []Standard{StandardSOC2, StandardPCI}
	default:
		return nil, kwerr.Validation("standard", "unknown standard %q", standard)
	}

	report := &ComplianceReport{
		From:        from,
		To:          to,
		GeneratedAt: time.Now().UTC(),
	}
	for _, std := range standards {
		section, err := r.buildSection(ctx, from, to, std)
		if err != nil {
			return nil, err
		}
		report.Sections = append(report.Sections, *section)
	}
	return report, nil
}

func (r *Reporter) buildSection(ctx context.Context, from, to time.Time, std Standard) (*ReportSection, error) {
	actions := soc2Actions
	if std == StandardPCI {
		actions = pciActions
	}

	section := &ReportSection{
		Standard: std,
		Actions:  make(map[string]int),
	}
	for _, action := range actions {
		entries, err := r.collect(ctx, store.AuditFilter{Action: action, From: from, To: to})
		if err != nil {
			return nil, err
		}
		section.Actions[action] = len(entries)
		for _, e := range entries {
			if !e.Success {
				section.Failures = append(section.Failures, e)
			}
		}
	}
	sort.Slice(section.Failures, func(i, j int) bool {
		return section.Failures[i].CreatedAt.Before(section.Failures[j].CreatedAt)
	})
	return section, nil
}

// ExportCSV streams matching entries as CSV, oldest first.
func (r *Reporter) ExportCSV(ctx context.Context, f store.AuditFilter, w io.Writer) error {
	entries, err := r.collect(ctx, f)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	cw := csv.NewWriter(w)
	header := []string{"id", "created_at", "credential_id", "action", "performed_by", "ip_address", "user_agent", "success", "error_message", "metadata"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, e := range entries {
		metadata := ""
		if len(e.Metadata) > 0 {
			raw, err := json.Marshal(e.Metadata)
			if err != nil {
				return err
			}
			metadata = string(raw)
		}
		row := []string{
			e.ID,
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.CredentialID,
			e.Action,
			e.PerformedBy,
			e.IPAddress,
			e.UserAgent,
			strconv.FormatBool(e.Success),
			e.ErrorMessage,
			metadata,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

const collectPage = 500

// collect pages through every matching entry.
func (r *Reporter) collect(ctx context.Context, f store.AuditFilter) ([]*store.AuditEntry, error) {
	var all []*store.AuditEntry
	for offset := 0; ; offset += collectPage {
		batch, total, err := r.store.ListAudit(ctx, f, store.Page{Offset: offset, Limit: collectPage})
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(all) >= total || len(batch) == 0 {
			return all, nil
		}
	}
}
