package kubernetes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/kubelet/pkg/apis/stats/v1alpha1"
)

func uint64Ptr(v uint64) *uint64 { return &v }

func TestUsageSource_ConvertsNodeSummaries(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		&v1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-a"}},
		&v1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-b"}},
	)

	source := NewUsageSource(clientset, 2, zap.NewNop()).WithSummaryFunc(
		func(_ context.Context, node *v1.Node) (*v1alpha1.Summary, error) {
			if node.Name == "node-b" {
				return nil, errors.New("kubelet unreachable")
			}
			return &v1alpha1.Summary{Pods: []v1alpha1.PodStats{{
				PodRef: v1alpha1.PodReference{Name: "exec-1", Namespace: "ns-1"},
				CPU:    &v1alpha1.CPUStats{UsageNanoCores: uint64Ptr(250_000_000)},
				Memory: &v1alpha1.MemoryStats{WorkingSetBytes: uint64Ptr(4096)},
			}, {
				PodRef: v1alpha1.PodReference{Name: "no-stats", Namespace: "ns-2"},
			}}}, nil
		})

	usage, err := source.Usage(context.Background())
	require.NoError(t, err)
	require.Len(t, usage, 2)

	byName := map[string]int{}
	for i, u := range usage {
		byName[u.WorkloadName] = i
	}
	first := usage[byName["exec-1"]]
	assert.Equal(t, "ns-1", first.Namespace)
	assert.Equal(t, "250m", first.CPU)
	assert.Equal(t, "4Ki", first.Memory)

	empty := usage[byName["no-stats"]]
	assert.Empty(t, empty.CPU)
	assert.Empty(t, empty.Memory)
}

func TestUsageSource_FailsWhenNoNodeCanBeRead(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		&v1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-a"}},
		&v1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-b"}},
	)
	unreachable := errors.New("kubelet unreachable")

	source := NewUsageSource(clientset, 2, zap.NewNop()).WithSummaryFunc(
		func(_ context.Context, node *v1.Node) (*v1alpha1.Summary, error) {
			return nil, unreachable
		})

	usage, err := source.Usage(context.Background())
	require.Error(t, err)
	assert.Nil(t, usage)
	assert.ErrorIs(t, err, unreachable)
	assert.Contains(t, err.Error(), "node-a")
	assert.Contains(t, err.Error(), "node-b")
}

func TestUsageSource_NoNodesIsAnEmptyBatch(t *testing.T) {
	source := NewUsageSource(fake.NewSimpleClientset(), 2, zap.NewNop()).WithSummaryFunc(
		func(_ context.Context, node *v1.Node) (*v1alpha1.Summary, error) {
			return nil, errors.New("unexpected call")
		})

	usage, err := source.Usage(context.Background())
	require.NoError(t, err)
	assert.Empty(t, usage)
}
