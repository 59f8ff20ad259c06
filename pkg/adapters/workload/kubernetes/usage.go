package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aescanero/labexec/pkg/domain"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/kubelet/pkg/apis/stats/v1alpha1"
)

// SummaryFunc fetches the kubelet stats summary of a node
type SummaryFunc func(ctx context.Context, node *v1.Node) (*v1alpha1.Summary, error)

// UsageSource implements UsageSource by reading the kubelet stats summary
// of every node through the API server proxy.
type UsageSource struct {
	client      kubernetes.Interface
	summary     SummaryFunc
	concurrency int
	logger      *zap.Logger
}

// NewUsageSource creates a kubelet backed usage source
func NewUsageSource(client kubernetes.Interface, concurrency int, logger *zap.Logger) *UsageSource {
	s := &UsageSource{
		client:      client,
		concurrency: concurrency,
		logger:      logger,
	}
	s.summary = s.nodeStatsSummary
	return s
}

// WithSummaryFunc replaces the summary fetcher
func (s *UsageSource) WithSummaryFunc(f SummaryFunc) *UsageSource {
	s.summary = f
	return s
}

// Usage returns one entry per pod found in the node summaries. A node whose
// summary cannot be read is skipped. Failing to list nodes, or failing to
// read every node, fails the call.
func (s *UsageSource) Usage(ctx context.Context) ([]domain.RawUsage, error) {
	nodes, err := s.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	var (
		mu       sync.Mutex
		usages   []domain.RawUsage
		failures *multierror.Error
		read     int
	)

	g, gctx := errgroup.WithContext(ctx)
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}

	for i := range nodes.Items {
		node := &nodes.Items[i]
		g.Go(func() error {
			summary, err := s.summary(gctx, node)
			if err != nil {
				s.logger.Warn("failed to read node stats summary",
					zap.String("node", node.Name),
					zap.Error(err))
				mu.Lock()
				failures = multierror.Append(failures, fmt.Errorf("node %s: %w", node.Name, err))
				mu.Unlock()
				return nil
			}

			entries := summaryToUsage(summary)
			mu.Lock()
			usages = append(usages, entries...)
			read++
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(nodes.Items) > 0 && read == 0 {
		return nil, fmt.Errorf("failed to read any node stats summary: %w", failures.ErrorOrNil())
	}

	return usages, nil
}

func (s *UsageSource) nodeStatsSummary(ctx context.Context, node *v1.Node) (*v1alpha1.Summary, error) {
	raw, err := s.client.CoreV1().
		RESTClient().
		Get().
		Resource("nodes").
		Name(node.Name).
		SubResource("proxy", "stats", "summary").
		Do(ctx).
		Raw()
	if err != nil {
		return nil, fmt.Errorf("request error %s (body %s)", err, string(raw))
	}

	summary := &v1alpha1.Summary{}
	if err := json.Unmarshal(raw, summary); err != nil {
		return nil, fmt.Errorf("unable to unmarshal summary: %w", err)
	}
	return summary, nil
}

// summaryToUsage renders pod stats as quantity strings, e.g. "120m" cores
// and "4Ki" bytes.
func summaryToUsage(summary *v1alpha1.Summary) []domain.RawUsage {
	usages := make([]domain.RawUsage, 0, len(summary.Pods))
	for _, pod := range summary.Pods {
		entry := domain.RawUsage{
			WorkloadName: pod.PodRef.Name,
			Namespace:    pod.PodRef.Namespace,
		}
		if pod.CPU != nil && pod.CPU.UsageNanoCores != nil {
			entry.CPU = resource.NewScaledQuantity(int64(*pod.CPU.UsageNanoCores), resource.Nano).String()
		}
		if pod.Memory != nil && pod.Memory.WorkingSetBytes != nil {
			entry.Memory = resource.NewQuantity(int64(*pod.Memory.WorkingSetBytes), resource.BinarySI).String()
		}
		usages = append(usages, entry)
	}
	return usages
}
