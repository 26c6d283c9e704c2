// Package kube runs training workers as Kubernetes batch Jobs. The
// engine never restarts workers itself: backoffLimit is zero and the
// pod restart policy is Never, so every failure surfaces as a terminal
// Job condition.
package kube

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"trainengine/internal/apperrors"
	"trainengine/internal/backend"
	"trainengine/internal/job"
)

const (
	managedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "trainengine"
	jobIDLabel     = "trainengine/job-id"

	// Finished Jobs are garbage-collected by the cluster after this
	// long; the engine has already recorded their outcome by then.
	ttlAfterFinished = int32(3600)
)

// Config holds configuration for the kubernetes backend.
type Config struct {
	Namespace    string        // Namespace workers run in (default "training")
	Kubeconfig   string        // Path to a kubeconfig; empty means in-cluster config
	PollInterval time.Duration // Job status poll cadence (default 5s)
}

// Backend implements backend.ExecutionBackend with batch/v1 Jobs.
type Backend struct {
	client    kubernetes.Interface
	namespace string
	poll      time.Duration
}

// New creates a kubernetes backend, connecting with the given
// kubeconfig or the in-cluster service account.
func New(cfg Config) (*Backend, error) {
	var restCfg *rest.Config
	var err error
	if cfg.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("build kubernetes config: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient creates a backend around an existing clientset.
func NewWithClient(client kubernetes.Interface, cfg Config) *Backend {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "training"
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Backend{client: client, namespace: namespace, poll: poll}
}

// Name returns the backend kind.
func (b *Backend) Name() job.BackendKind {
	return job.BackendKube
}

// Ready reports whether the API server is reachable.
func (b *Backend) Ready(_ context.Context) error {
	if _, err := b.client.Discovery().ServerVersion(); err != nil {
		return fmt.Errorf("kubernetes API unreachable: %w", err)
	}
	return nil
}

// Start creates the batch Job. The handle is the Job name.
func (b *Backend) Start(ctx context.Context, d *job.Descriptor) (backend.Handle, error) {
	if d.Image == "" {
		return "", apperrors.Validation("image", "image is required for the kubernetes backend")
	}

	spec := b.jobSpec(d)
	created, err := b.client.BatchV1().Jobs(b.namespace).Create(ctx, spec, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return "", apperrors.Conflict("job", d.ID, "worker already launched")
		}
		return "", fmt.Errorf("create kubernetes job: %w", err)
	}

	slog.Info("Kubernetes job created", "jobId", d.ID, "name", created.Name, "namespace", b.namespace)
	return backend.Handle(created.Name), nil
}

func (b *Backend) jobSpec(d *job.Descriptor) *batchv1.Job {
	backoffLimit := int32(0)
	completions := int32(1)
	parallelism := int32(1)
	ttl := ttlAfterFinished

	env := []corev1.EnvVar{
		{Name: "JOB_ID", Value: d.ID},
		{Name: "SESSION_ID", Value: d.SessionID},
		{Name: "FRAMEWORK", Value: d.Framework},
		{Name: "MODEL_NAME", Value: d.ModelName},
	}
	if d.CallbackURL != "" {
		env = append(env, corev1.EnvVar{Name: "CALLBACK_URL", Value: d.CallbackURL})
	}
	if d.DatasetURI != "" {
		env = append(env, corev1.EnvVar{Name: "DATASET_URI", Value: d.DatasetURI})
	}
	for k, v := range d.Config {
		env = append(env, corev1.EnvVar{Name: "TRAIN_" + strings.ToUpper(k), Value: v})
	}

	limits := corev1.ResourceList{}
	requests := corev1.ResourceList{}
	if d.Resources.CPUCores > 0 {
		requests[corev1.ResourceCPU] = *resource.NewQuantity(int64(d.Resources.CPUCores), resource.DecimalSI)
	}
	if d.Resources.MemoryMB > 0 {
		q := *resource.NewQuantity(int64(d.Resources.MemoryMB)<<20, resource.BinarySI)
		requests[corev1.ResourceMemory] = q
		limits[corev1.ResourceMemory] = q
	}
	if d.Resources.GPUs > 0 {
		limits["nvidia.com/gpu"] = *resource.NewQuantity(int64(d.Resources.GPUs), resource.DecimalSI)
	}

	container := corev1.Container{
		Name:  "worker",
		Image: d.Image,
		Env:   env,
		Resources: corev1.ResourceRequirements{
			Requests: requests,
			Limits:   limits,
		},
	}
	if len(d.Command) > 0 {
		container.Command = d.Command
	}

	spec := batchv1.JobSpec{
		BackoffLimit:            &backoffLimit,
		Completions:             &completions,
		Parallelism:             &parallelism,
		TTLSecondsAfterFinished: &ttl,
		Template: corev1.PodTemplateSpec{
			ObjectMeta: metav1.ObjectMeta{
				Labels: map[string]string{managedByLabel: managedByValue, jobIDLabel: d.ID},
			},
			Spec: corev1.PodSpec{
				RestartPolicy: corev1.RestartPolicyNever,
				Containers:    []corev1.Container{container},
			},
		},
	}
	if d.TimeoutSeconds > 0 {
		deadline := int64(d.TimeoutSeconds)
		spec.ActiveDeadlineSeconds = &deadline
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName(d.ID),
			Namespace: b.namespace,
			Labels:    map[string]string{managedByLabel: managedByValue, jobIDLabel: d.ID},
		},
		Spec: spec,
	}
}

// Monitor polls the Job until a terminal condition appears. Poll
// failures are surfaced as error events; the consumer decides when a
// run of them means the cluster is unreachable.
func (b *Backend) Monitor(ctx context.Context, h backend.Handle) (<-chan backend.Event, error) {
	name := string(h)
	events := make(chan backend.Event, 4)

	go func() {
		defer close(events)
		ticker := time.NewTicker(b.poll)
		defer ticker.Stop()

		runningReported := false
		for {
			kj, err := b.client.BatchV1().Jobs(b.namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if apierrors.IsNotFound(err) {
					// Deleted out from under us, most likely by Cancel.
					b.emit(ctx, events, backend.Event{Kind: backend.EventTerminal, Terminal: &backend.TerminalStatus{
						Outcome: backend.OutcomeFailed,
						Reason:  job.ReasonCancelled,
						Detail:  "kubernetes job deleted",
					}})
					return
				}
				if !b.emit(ctx, events, backend.Event{Kind: backend.EventError, Err: err}) {
					return
				}
			} else {
				if term := terminalFromConditions(kj); term != nil {
					if term.Outcome == backend.OutcomeFailed {
						b.attachExitCode(ctx, term, name)
					}
					b.emit(ctx, events, backend.Event{Kind: backend.EventTerminal, Terminal: term})
					return
				}
				if !runningReported && kj.Status.Active > 0 {
					runningReported = true
					if !b.emit(ctx, events, backend.Event{Kind: backend.EventRunning}) {
						return
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return events, nil
}

func (b *Backend) emit(ctx context.Context, ch chan<- backend.Event, ev backend.Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// terminalFromConditions maps Job conditions to a terminal status.
// Returns nil while the Job is still in flight.
func terminalFromConditions(kj *batchv1.Job) *backend.TerminalStatus {
	for _, cond := range kj.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return &backend.TerminalStatus{Outcome: backend.OutcomeSucceeded}
		case batchv1.JobFailed:
			detail := cond.Message
			if detail == "" {
				detail = cond.Reason
			}
			return &backend.TerminalStatus{
				Outcome: backend.OutcomeFailed,
				Reason:  job.ReasonProcessExited,
				Detail:  detail,
			}
		}
	}
	return nil
}

// attachExitCode looks up the worker pod's container exit code.
// Best effort: a missing pod leaves the status as-is.
func (b *Backend) attachExitCode(ctx context.Context, term *backend.TerminalStatus, name string) {
	pods, err := b.client.CoreV1().Pods(b.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + name,
	})
	if err != nil || len(pods.Items) == 0 {
		return
	}
	for _, pod := range pods.Items {
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Terminated != nil {
				code := int(cs.State.Terminated.ExitCode)
				term.ExitCode = &code
				return
			}
		}
	}
}

// Cancel deletes the Job and its pods. Deleting a Job that is already
// gone is a no-op.
func (b *Backend) Cancel(ctx context.Context, h backend.Handle) error {
	propagation := metav1.DeletePropagationBackground
	err := b.client.BatchV1().Jobs(b.namespace).Delete(ctx, string(h), metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete kubernetes job: %w", err)
	}
	return nil
}

// OpenLogs follows the worker pod's log stream. Kubernetes merges
// stdout and stderr, so a single stream is returned.
func (b *Backend) OpenLogs(ctx context.Context, h backend.Handle) ([]backend.LogStream, error) {
	pods, err := b.client.CoreV1().Pods(b.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + string(h),
	})
	if err != nil {
		return nil, fmt.Errorf("list worker pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return nil, apperrors.NotFound("worker pod", string(h))
	}

	req := b.client.CoreV1().Pods(b.namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{
		Container: "worker",
		Follow:    true,
	})
	rc, err := req.Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open pod log stream: %w", err)
	}
	return []backend.LogStream{{Stream: "stdout", R: rc}}, nil
}

// jobName derives a DNS-1123 compatible Job name from the job ID.
func jobName(jobID string) string {
	name := strings.ToLower(jobID)
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, name)
	name = strings.Trim(name, "-")
	if len(name) > 52 {
		name = name[:52]
	}
	return "train-" + name
}
