package kube

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	coreinformers "k8s.io/client-go/informers/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
)

// DefaultServiceLabel is the pod label read when none is configured.
const DefaultServiceLabel = "app"

// DiscoveryConfig scopes the pods inspected for service names.
type DiscoveryConfig struct {
	Namespace     string
	LabelSelector string
	ServiceLabel  string
	// SyncTimeout bounds the initial pod list; zero waits until ctx is done.
	SyncTimeout time.Duration
}

// Discoverer lists service names from the labels of running pods.
type Discoverer struct {
	factory      informers.SharedInformerFactory
	podInformer  coreinformers.PodInformer
	serviceLabel string
	syncTimeout  time.Duration
}

// NewDiscoverer builds a pod informer restricted to the configured namespace and selector.
func NewDiscoverer(client kubernetes.Interface, cfg DiscoveryConfig) *Discoverer {
	opts := []informers.SharedInformerOption{}
	if cfg.Namespace != "" {
		opts = append(opts, informers.WithNamespace(cfg.Namespace))
	}
	if selector := strings.TrimSpace(cfg.LabelSelector); selector != "" {
		opts = append(opts, informers.WithTweakListOptions(func(o *metav1.ListOptions) {
			o.LabelSelector = selector
		}))
	}
	serviceLabel := cfg.ServiceLabel
	if serviceLabel == "" {
		serviceLabel = DefaultServiceLabel
	}

	factory := informers.NewSharedInformerFactoryWithOptions(client, 0, opts...)
	return &Discoverer{
		factory:      factory,
		podInformer:  factory.Core().V1().Pods(),
		serviceLabel: serviceLabel,
		syncTimeout:  cfg.SyncTimeout,
	}
}

// Services starts the informer, waits for the initial list and returns the
// sorted distinct values of the service label. The informer stops on return.
func (d *Discoverer) Services(ctx context.Context) ([]string, error) {
	var cancel context.CancelFunc
	if d.syncTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.syncTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	informer := d.podInformer.Informer()
	d.factory.Start(ctx.Done())
	if !cache.WaitForCacheSync(ctx.Done(), informer.HasSynced) {
		return nil, fmt.Errorf("timed out waiting for pod cache to sync")
	}

	pods, err := d.podInformer.Lister().List(labels.Everything())
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}

	seen := map[string]struct{}{}
	for _, pod := range pods {
		if skipPod(pod) {
			continue
		}
		name := strings.TrimSpace(pod.Labels[d.serviceLabel])
		if name == "" {
			continue
		}
		seen[name] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func skipPod(pod *corev1.Pod) bool {
	if pod == nil {
		return true
	}
	if pod.DeletionTimestamp != nil {
		return true
	}
	return pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed
}
