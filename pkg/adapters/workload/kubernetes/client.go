package kubernetes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/labexec/pkg/domain"
	"github.com/aescanero/labexec/pkg/ports"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	v1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	informer "k8s.io/client-go/informers/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
)

const containerName = "experiment"

// Config holds workload client configuration
type Config struct {
	ImagePullPolicy    string
	ServiceAccountName string
	LaunchQPS          float64
	LaunchBurst        int
	// Repeated terminate calls for the same workload inside this window are
	// skipped.
	TerminateDebounce time.Duration
	ResyncPeriod      time.Duration
	Logger            *zap.Logger
}

// Client implements WorkloadClient with one pod per execution. Pods live in
// a namespace named after the experiment and are watched through a shared
// informer restricted to managed pods.
type Client struct {
	client      kubernetes.Interface
	factory     informers.SharedInformerFactory
	podInformer informer.PodInformer
	limiter     *rate.Limiter
	terminated  *gocache.Cache
	cfg         Config
	logger      *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopper   chan struct{}
}

// NewClient creates a workload client on top of a Kubernetes clientset
func NewClient(client kubernetes.Interface, cfg Config) *Client {
	factory := informers.NewSharedInformerFactoryWithOptions(client, cfg.ResyncPeriod,
		informers.WithTweakListOptions(func(options *metav1.ListOptions) {
			options.LabelSelector = domain.LabelExecutionID
		}))

	debounce := cfg.TerminateDebounce
	if debounce <= 0 {
		debounce = time.Minute
	}

	limit := rate.Inf
	if cfg.LaunchQPS > 0 {
		limit = rate.Limit(cfg.LaunchQPS)
	}
	burst := cfg.LaunchBurst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		client:      client,
		factory:     factory,
		podInformer: factory.Core().V1().Pods(),
		limiter:     rate.NewLimiter(limit, burst),
		terminated:  gocache.New(debounce, debounce),
		cfg:         cfg,
		logger:      cfg.Logger,
		stopper:     make(chan struct{}),
	}
}

// Launch creates the namespace (if needed) and the pod for an execution
func (c *Client) Launch(ctx context.Context, execution *domain.Execution, experiment *domain.Experiment) (domain.WorkloadHandle, error) {
	handle := domain.HandleFor(execution)

	pod, err := c.buildPod(execution, experiment)
	if err != nil {
		return handle, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return handle, fmt.Errorf("launch rate limit: %w", err)
	}

	if err := c.ensureNamespace(ctx, execution); err != nil {
		return handle, err
	}

	if _, err := c.client.CoreV1().Pods(handle.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return handle, fmt.Errorf("failed to create pod %s/%s: %w", handle.Namespace, handle.Name, err)
	}

	c.logger.Info("workload launched",
		zap.String("execution_id", execution.ID),
		zap.String("namespace", handle.Namespace),
		zap.String("workload", handle.Name))

	return handle, nil
}

// Terminate deletes the pod behind a handle. A missing pod is not an error.
func (c *Client) Terminate(ctx context.Context, handle domain.WorkloadHandle) error {
	key := handle.Namespace + "/" + handle.Name
	if _, recent := c.terminated.Get(key); recent {
		c.logger.Debug("workload termination already requested",
			zap.String("namespace", handle.Namespace),
			zap.String("workload", handle.Name))
		return nil
	}

	err := c.client.CoreV1().Pods(handle.Namespace).Delete(ctx, handle.Name, metav1.DeleteOptions{})
	if err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod %s: %w", key, err)
	}

	c.terminated.Set(key, struct{}{}, gocache.DefaultExpiration)
	return nil
}

// Subscribe registers handler for add/update/delete notifications of
// managed pods and starts the informer on first use.
func (c *Client) Subscribe(handler ports.WorkloadEventHandler) error {
	_, err := c.podInformer.Informer().AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if pod, ok := c.asPod(obj); ok {
				handler(podToEvent(pod, domain.WorkloadAdded))
			}
		},
		UpdateFunc: func(oldObj, newObj interface{}) {
			oldPod, okOld := c.asPod(oldObj)
			newPod, okNew := c.asPod(newObj)
			if !okOld || !okNew {
				return
			}
			// resyncs deliver identical objects
			if oldPod.ResourceVersion == newPod.ResourceVersion {
				return
			}
			handler(podToEvent(newPod, domain.WorkloadUpdated))
		},
		DeleteFunc: func(obj interface{}) {
			if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
				obj = tombstone.Obj
			}
			if pod, ok := c.asPod(obj); ok {
				handler(podToEvent(pod, domain.WorkloadDeleted))
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to add pod event handler: %w", err)
	}

	c.startOnce.Do(func() {
		c.factory.Start(c.stopper)
		c.factory.WaitForCacheSync(c.stopper)
		c.logger.Info("workload informer started")
	})

	return nil
}

// Stop stops the informers
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopper)
	})
}

func (c *Client) asPod(obj interface{}) (*v1.Pod, bool) {
	pod, ok := obj.(*v1.Pod)
	if !ok {
		c.logger.Error("unexpected object in pod informer",
			zap.String("type", fmt.Sprintf("%T", obj)))
	}
	return pod, ok
}

func (c *Client) ensureNamespace(ctx context.Context, execution *domain.Execution) error {
	ns := &v1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: execution.ExperimentID,
			Labels: map[string]string{
				domain.LabelExperimentID: execution.ExperimentID,
				domain.LabelOwnerID:      execution.OwnerID,
			},
		},
	}
	_, err := c.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err != nil && !k8serrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create namespace %s: %w", ns.Name, err)
	}
	return nil
}

func (c *Client) buildPod(execution *domain.Execution, experiment *domain.Experiment) (*v1.Pod, error) {
	resources, err := resourceRequirements(execution.Resources)
	if err != nil {
		return nil, err
	}

	env := make([]v1.EnvVar, 0, len(experiment.Env)+2)
	for k, v := range experiment.Env {
		env = append(env, v1.EnvVar{Name: k, Value: v})
	}
	env = append(env,
		v1.EnvVar{Name: "LABEXEC_EXECUTION_ID", Value: execution.ID},
		v1.EnvVar{Name: "LABEXEC_EXPERIMENT_ID", Value: execution.ExperimentID},
	)

	handle := domain.HandleFor(execution)
	pod := &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      handle.Name,
			Namespace: handle.Namespace,
			Labels: map[string]string{
				domain.LabelExecutionID:  execution.ID,
				domain.LabelExperimentID: execution.ExperimentID,
				domain.LabelOwnerID:      execution.OwnerID,
			},
		},
		Spec: v1.PodSpec{
			RestartPolicy:      v1.RestartPolicyNever,
			ServiceAccountName: c.cfg.ServiceAccountName,
			Containers: []v1.Container{{
				Name:            containerName,
				Image:           experiment.Image,
				Command:         experiment.Command,
				Args:            experiment.Args,
				Env:             env,
				Resources:       resources,
				ImagePullPolicy: v1.PullPolicy(c.cfg.ImagePullPolicy),
			}},
		},
	}

	if execution.BookedTime > 0 {
		seconds := int64(execution.BookedTime / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		pod.Spec.ActiveDeadlineSeconds = &seconds
	}

	return pod, nil
}

func resourceRequirements(r domain.Resources) (v1.ResourceRequirements, error) {
	list := v1.ResourceList{}
	if r.RAM != "" {
		q, err := resource.ParseQuantity(r.RAM)
		if err != nil {
			return v1.ResourceRequirements{}, fmt.Errorf("invalid ram %q: %w", r.RAM, err)
		}
		list[v1.ResourceMemory] = q
	}
	if r.CPU != "" {
		q, err := resource.ParseQuantity(r.CPU)
		if err != nil {
			return v1.ResourceRequirements{}, fmt.Errorf("invalid cpu %q: %w", r.CPU, err)
		}
		list[v1.ResourceCPU] = q
	}
	return v1.ResourceRequirements{Requests: list, Limits: list.DeepCopy()}, nil
}

// podToEvent converts a pod notification into a workload event
func podToEvent(pod *v1.Pod, eventType domain.WorkloadEventType) domain.WorkloadEvent {
	phase := domain.Phase(pod.Status.Phase)
	if phase == "" {
		// not yet observed by the scheduler
		phase = domain.PhasePending
	}
	return domain.WorkloadEvent{
		Type:         eventType,
		WorkloadName: pod.Name,
		Namespace:    pod.Namespace,
		Phase:        phase,
		Message:      podMessage(pod),
		Labels:       pod.Labels,
	}
}

// podMessage picks the most specific human readable reason the pod carries
func podMessage(pod *v1.Pod) string {
	for _, status := range pod.Status.ContainerStatuses {
		if t := status.State.Terminated; t != nil && (t.Message != "" || t.Reason != "") {
			if t.Message != "" {
				return t.Message
			}
			return fmt.Sprintf("%s (exit code %d)", t.Reason, t.ExitCode)
		}
		if w := status.State.Waiting; w != nil && w.Reason != "" {
			if w.Message != "" {
				return w.Reason + ": " + w.Message
			}
			return w.Reason
		}
	}
	if pod.Status.Message != "" {
		return pod.Status.Message
	}
	return pod.Status.Reason
}
