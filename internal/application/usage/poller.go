package usage

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/aescanero/labexec/pkg/domain"
	"github.com/aescanero/labexec/pkg/ports"
	"go.uber.org/zap"
)

// DefaultExcludedNamespaces are never reported
var DefaultExcludedNamespaces = []string{
	"kube-system",
	"kube-public",
	"kube-node-lease",
	"kubernetes-dashboard",
}

// Config holds poller configuration
type Config struct {
	// Timeout bounds a single call to the usage source
	Timeout time.Duration
	// ExcludedNamespaces extends DefaultExcludedNamespaces
	ExcludedNamespaces []string
}

// Poller reads the usage source on demand
type Poller struct {
	source   ports.UsageSource
	timeout  time.Duration
	excluded map[string]struct{}
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	now      func() time.Time
}

// NewPoller creates a new usage poller
func NewPoller(source ports.UsageSource, cfg Config, metrics ports.MetricsCollector, logger *zap.Logger) *Poller {
	excluded := make(map[string]struct{}, len(DefaultExcludedNamespaces)+len(cfg.ExcludedNamespaces))
	for _, ns := range DefaultExcludedNamespaces {
		excluded[ns] = struct{}{}
	}
	for _, ns := range cfg.ExcludedNamespaces {
		if ns = strings.TrimSpace(ns); ns != "" {
			excluded[ns] = struct{}{}
		}
	}

	return &Poller{
		source:   source,
		timeout:  cfg.Timeout,
		excluded: excluded,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Snapshot returns the current usage of every identifiable execution. A
// failing or slow source yields ErrUpstreamUnavailable.
func (p *Poller) Snapshot(ctx context.Context) ([]domain.UsageSnapshot, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := p.source.Usage(ctx)
	if err != nil {
		p.metrics.RecordUsagePoll("unavailable", time.Since(start))
		p.logger.Warn("usage source unavailable", zap.Error(err))
		return nil, domain.Unavailable(err, "usage source")
	}
	p.metrics.RecordUsagePoll("ok", time.Since(start))

	return p.translate(raw), nil
}

// ForExecution returns the current usage of one execution
func (p *Poller) ForExecution(ctx context.Context, executionID string) (*domain.UsageSnapshot, error) {
	snapshots, err := p.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for i := range snapshots {
		if snapshots[i].ExecutionID == executionID {
			return &snapshots[i], nil
		}
	}
	return nil, domain.NotFoundf("no usage reported for execution %s", executionID)
}

func (p *Poller) translate(raw []domain.RawUsage) []domain.UsageSnapshot {
	now := p.now()
	snapshots := make([]domain.UsageSnapshot, 0, len(raw))

	for _, entry := range raw {
		if _, skip := p.excluded[entry.Namespace]; skip {
			continue
		}

		experimentID, ok := domain.ParseNamespace(entry.Namespace)
		if !ok {
			p.logger.Debug("skipping usage entry outside experiment namespaces",
				zap.String("namespace", entry.Namespace),
				zap.String("workload", entry.WorkloadName))
			continue
		}

		executionID, ok := domain.ParseWorkloadName(entry.WorkloadName)
		if !ok {
			p.logger.Debug("skipping usage entry for unmanaged workload",
				zap.String("namespace", entry.Namespace),
				zap.String("workload", entry.WorkloadName))
			continue
		}

		cpu, memory := NumericPart(entry.CPU), NumericPart(entry.Memory)
		if cpu == "" || memory == "" {
			p.logger.Debug("skipping malformed usage entry",
				zap.String("execution_id", executionID),
				zap.String("cpu", entry.CPU),
				zap.String("memory", entry.Memory))
			continue
		}

		snapshots = append(snapshots, domain.UsageSnapshot{
			ExecutionID:  executionID,
			ExperimentID: experimentID,
			WorkloadName: entry.WorkloadName,
			CPU:          cpu,
			Memory:       memory,
			Timestamp:    now,
		})
	}

	return snapshots
}

// NumericPart strips trailing non-digit characters, so "120m" becomes "120"
// and "4Ki" becomes "4".
func NumericPart(value string) string {
	return strings.TrimRightFunc(strings.TrimSpace(value), func(r rune) bool {
		return !unicode.IsDigit(r)
	})
}
