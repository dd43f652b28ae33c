package processors

import (
	"context"
	"fmt"
	"sort"

	"github.com/waldur/waldur-site-agent/pkg/metrics"
	"github.com/waldur/waldur-site-agent/pkg/types"
)

// ReportUsage runs one reporting cycle: usage for the configured number
// of periods is pulled from the backend and submitted to the
// marketplace, current month last. Errors in one period or resource
// never block the rest of the cycle.
func (p *Processor) ReportUsage(ctx context.Context) error {
	resources, err := p.client.ListActiveResources(ctx, p.offering.UUID)
	if err != nil {
		return fmt.Errorf("failed to fetch resources: %w", err)
	}
	if len(resources) == 0 {
		return nil
	}

	byBackendID := make(map[string]*types.Resource, len(resources))
	backendIDs := make([]string, 0, len(resources))
	for i := range resources {
		byBackendID[resources[i].BackendID] = &resources[i]
		backendIDs = append(backendIDs, resources[i].BackendID)
	}

	for _, period := range ReportingPeriods(p.now(), p.reportingPeriods) {
		if period.Current {
			p.reportCurrentPeriod(ctx, resources, period)
		} else {
			p.reportPastPeriod(ctx, backendIDs, byBackendID, period)
		}
	}
	return nil
}

// reportPastPeriod submits historical usage for one closed month. A
// backend without historical accounting returns no records and the
// period is skipped silently.
func (p *Processor) reportPastPeriod(ctx context.Context, backendIDs []string, byBackendID map[string]*types.Resource, period ReportingPeriod) {
	records, err := p.backend.GetUsageReportForPeriod(ctx, backendIDs, period.Year, period.Month)
	if err != nil {
		p.logger.Error().Err(err).
			Int("year", period.Year).Int("month", period.Month).
			Msg("failed to pull historical usage")
		return
	}
	if len(records) == 0 {
		return
	}

	for _, record := range records {
		resource, ok := byBackendID[record.ResourceBackendID]
		if !ok {
			continue
		}
		if err := p.submitUsageRecord(ctx, resource, record, period); err != nil {
			metrics.UsageSubmissionsTotal.WithLabelValues(p.offering.Name, "error").Inc()
			p.logger.Error().Err(err).
				Str("resource_uuid", resource.UUID).
				Int("year", period.Year).Int("month", period.Month).
				Msg("failed to submit historical usage")
		}
	}
}

// reportCurrentPeriod pulls each resource's live account state and
// submits current-month usage, guarded against decreases when the
// backend cannot express them.
func (p *Processor) reportCurrentPeriod(ctx context.Context, resources []types.Resource, period ReportingPeriod) {
	for i := range resources {
		resource := &resources[i]
		report, err := p.backend.PullResource(ctx, resource.BackendID)
		if err != nil {
			metrics.UsageSubmissionsTotal.WithLabelValues(p.offering.Name, "error").Inc()
			p.logger.Error().Err(err).
				Str("backend_id", resource.BackendID).
				Msg("failed to pull resource usage")
			continue
		}
		record := types.UsageRecord{
			ResourceBackendID: resource.BackendID,
			Year:              period.Year,
			Month:             period.Month,
			Total:             report.TotalUsage,
			PerUser:           perUserRows(report.UserUsage),
		}
		if err := p.submitUsageRecord(ctx, resource, record, period); err != nil {
			metrics.UsageSubmissionsTotal.WithLabelValues(p.offering.Name, "error").Inc()
			p.logger.Error().Err(err).
				Str("resource_uuid", resource.UUID).
				Msg("failed to submit current usage")
		}
	}
}

// submitUsageRecord submits the resource-level totals, then the per-user
// breakdown keyed by the component usage records the totals created.
func (p *Processor) submitUsageRecord(ctx context.Context, resource *types.Resource, record types.UsageRecord, period ReportingPeriod) error {
	totals := p.convertToMarketplaceUnits(record.Total)
	// Historical submissions overwrite atomically; only the live month
	// needs the monotonic guard.
	if period.Current && !p.backend.SupportsDecreasingUsage() {
		var err error
		totals, err = p.dropDecreasedComponents(ctx, resource.UUID, totals, period)
		if err != nil {
			return err
		}
	}
	if len(totals) == 0 {
		return nil
	}

	usages := make([]types.ComponentUsage, 0, len(totals))
	for _, ctype := range sortedKeys(totals) {
		usages = append(usages, types.ComponentUsage{Type: ctype, Amount: totals[ctype]})
	}
	if err := p.client.SetResourceUsage(ctx, resource.UUID, period.firstOfMonth(p.now().Location()), usages); err != nil {
		return err
	}
	metrics.UsageSubmissionsTotal.WithLabelValues(p.offering.Name, "ok").Inc()

	if len(record.PerUser) == 0 {
		return nil
	}
	return p.submitPerUserUsage(ctx, resource, record, period)
}

func (p *Processor) submitPerUserUsage(ctx context.Context, resource *types.Resource, record types.UsageRecord, period ReportingPeriod) error {
	stored, err := p.client.ListComponentUsages(ctx, resource.UUID, period.Year, period.Month)
	if err != nil {
		return fmt.Errorf("failed to list component usage records: %w", err)
	}
	recordUUIDs := make(map[string]string, len(stored))
	for _, s := range stored {
		recordUUIDs[s.Type] = s.UUID
	}

	for _, row := range record.PerUser {
		converted := p.convertToMarketplaceUnits(row.Usages)
		for _, ctype := range sortedKeys(converted) {
			usageUUID, ok := recordUUIDs[ctype]
			if !ok {
				continue
			}
			if err := p.client.SetUserUsage(ctx, usageUUID, row.Username, converted[ctype]); err != nil {
				p.logger.Error().Err(err).
					Str("username", row.Username).
					Str("component", ctype).
					Msg("failed to submit per-user usage")
			}
		}
	}
	return nil
}

// dropDecreasedComponents removes components whose new value is strictly
// below the marketplace-recorded value for the same period. Marketplace
// lookups are memoized for the cycle.
func (p *Processor) dropDecreasedComponents(ctx context.Context, resourceUUID string, totals map[string]int64, period ReportingPeriod) (map[string]int64, error) {
	recorded, err := p.recordedUsage(ctx, resourceUUID, period)
	if err != nil {
		return nil, err
	}

	kept := make(map[string]int64, len(totals))
	for ctype, amount := range totals {
		if prior, ok := recorded[ctype]; ok && amount < prior {
			metrics.UsageDecreasesSkipped.WithLabelValues(p.offering.Name).Inc()
			p.logger.Warn().
				Str("resource_uuid", resourceUUID).
				Str("component", ctype).
				Int64("recorded", prior).
				Int64("new", amount).
				Msg("skipping decreased usage value")
			continue
		}
		kept[ctype] = amount
	}
	return kept, nil
}

func (p *Processor) recordedUsage(ctx context.Context, resourceUUID string, period ReportingPeriod) (map[string]int64, error) {
	key := fmt.Sprintf("%s/%04d-%02d", resourceUUID, period.Year, period.Month)
	if cached, ok := p.usageMemo.Get(key); ok {
		return cached.(map[string]int64), nil
	}

	stored, err := p.client.ListComponentUsages(ctx, resourceUUID, period.Year, period.Month)
	if err != nil {
		return nil, fmt.Errorf("failed to read recorded usage: %w", err)
	}
	recorded := make(map[string]int64, len(stored))
	for _, s := range stored {
		recorded[s.Type] = s.Usage
	}
	p.usageMemo.SetDefault(key, recorded)
	return recorded, nil
}

// convertToMarketplaceUnits divides backend amounts by the component's
// unit factor, dropping components the offering does not bill.
func (p *Processor) convertToMarketplaceUnits(amounts map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(amounts))
	for ctype, amount := range amounts {
		comp, ok := p.offering.BackendComponents[ctype]
		if !ok {
			continue
		}
		factor := comp.UnitFactor
		if factor <= 0 {
			factor = 1
		}
		out[ctype] = amount / factor
	}
	return out
}

func perUserRows(userUsage map[string]map[string]int64) []types.ComponentUserUsage {
	rows := make([]types.ComponentUserUsage, 0, len(userUsage))
	for _, username := range sortedKeys(userUsage) {
		rows = append(rows, types.ComponentUserUsage{Username: username, Usages: userUsage[username]})
	}
	return rows
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
