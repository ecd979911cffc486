// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kubernetes implements the orchestrator façade on a Kubernetes
// cluster.
package kubernetes

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	kexec "k8s.io/client-go/util/exec"

	"github.com/tombee/stagehand/internal/orchestrator"
	"github.com/tombee/stagehand/pkg/errors"
)

var _ orchestrator.Orchestrator = (*Orchestrator)(nil)

const (
	batchLabel = "stagehand.sh/batch"
	stepLabel  = "stagehand.sh/step"
)

// Config contains Kubernetes connection configuration.
type Config struct {
	// Kubeconfig is the path to a kubeconfig file. Empty means in-cluster.
	Kubeconfig string
}

// Orchestrator talks to a Kubernetes cluster.
//
// DAG batches are expanded lazily: a step's pod is created during status
// polls once every parent pod has succeeded, so the poller driving
// BatchStatus is also what advances the batch. Pending specs are held in
// memory; the control plane is single-node.
type Orchestrator struct {
	client     kubernetes.Interface
	restConfig *rest.Config

	mu      sync.Mutex
	batches map[string]orchestrator.BatchSpec
}

// New connects to the cluster.
func New(cfg Config) (*Orchestrator, error) {
	restConfig, err := buildRESTConfig(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load kubernetes config")
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create kubernetes client")
	}

	return &Orchestrator{
		client:     client,
		restConfig: restConfig,
		batches:    make(map[string]orchestrator.BatchSpec),
	}, nil
}

func buildRESTConfig(cfg Config) (*rest.Config, error) {
	if cfg.Kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	}
	return rest.InClusterConfig()
}

// CreateBatch submits the batch. Containerset batches become a single pod
// with one container per step; dag batches create pods only for steps with
// no parents, the rest follow during status polls.
func (o *Orchestrator) CreateBatch(ctx context.Context, spec orchestrator.BatchSpec) error {
	switch spec.Strategy {
	case orchestrator.StrategyContainerSet:
		pod := o.containerSetPod(spec)
		if _, err := o.client.CoreV1().Pods(spec.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
			return &errors.OrchestratorError{Op: "create batch", Ref: spec.Name, Cause: err}
		}
		return nil

	case orchestrator.StrategyDAG:
		o.mu.Lock()
		o.batches[spec.Namespace+"/"+spec.Name] = spec
		o.mu.Unlock()

		for _, step := range spec.Steps {
			if len(step.DependsOn) > 0 {
				continue
			}
			if err := o.createStepPod(ctx, spec, step); err != nil {
				return err
			}
		}
		return nil

	default:
		return &errors.ValidationError{Field: "strategy", Message: fmt.Sprintf("unknown strategy %q", spec.Strategy)}
	}
}

// BatchStatus reports per-step phases. For dag batches it also creates the
// pods of steps whose parents have all succeeded.
func (o *Orchestrator) BatchStatus(ctx context.Context, namespace, name string) (*orchestrator.BatchStatus, error) {
	o.mu.Lock()
	spec, isDAG := o.batches[namespace+"/"+name]
	o.mu.Unlock()

	if !isDAG {
		return o.containerSetStatus(ctx, namespace, name)
	}
	return o.dagStatus(ctx, spec)
}

func (o *Orchestrator) containerSetStatus(ctx context.Context, namespace, name string) (*orchestrator.BatchStatus, error) {
	pod, err := o.client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, &errors.NotFoundError{Resource: "batch", ID: namespace + "/" + name}
		}
		return nil, &errors.OrchestratorError{Op: "get batch", Ref: name, Cause: err}
	}

	status := &orchestrator.BatchStatus{Steps: make(map[string]orchestrator.StepStatus)}
	for _, cs := range pod.Status.ContainerStatuses {
		status.Steps[cs.Name] = orchestrator.StepStatus{
			UUID:    cs.Name,
			Phase:   containerPhase(cs),
			Message: containerMessage(cs),
		}
	}
	// Containers the kubelet has not reported on yet are still pending.
	for _, c := range pod.Spec.Containers {
		if _, ok := status.Steps[c.Name]; !ok {
			status.Steps[c.Name] = orchestrator.StepStatus{UUID: c.Name, Phase: orchestrator.PhasePending}
		}
	}
	return status, nil
}

func (o *Orchestrator) dagStatus(ctx context.Context, spec orchestrator.BatchSpec) (*orchestrator.BatchStatus, error) {
	pods, err := o.client.CoreV1().Pods(spec.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: batchLabel + "=" + spec.Name,
	})
	if err != nil {
		return nil, &errors.OrchestratorError{Op: "list batch pods", Ref: spec.Name, Cause: err}
	}

	status := &orchestrator.BatchStatus{Steps: make(map[string]orchestrator.StepStatus)}
	for _, pod := range pods.Items {
		stepUUID := pod.Labels[stepLabel]
		if stepUUID == "" {
			continue
		}
		status.Steps[stepUUID] = podStatus(&pod)
	}

	for _, step := range spec.Steps {
		if _, created := status.Steps[step.UUID]; created {
			continue
		}
		if parentsSucceeded(status, step.DependsOn) {
			if err := o.createStepPod(ctx, spec, step); err != nil {
				return nil, err
			}
		}
		status.Steps[step.UUID] = orchestrator.StepStatus{UUID: step.UUID, Phase: orchestrator.PhasePending}
	}

	return status, nil
}

func parentsSucceeded(status *orchestrator.BatchStatus, parents []string) bool {
	for _, parent := range parents {
		if status.Steps[parent].Phase != orchestrator.PhaseSucceeded {
			return false
		}
	}
	return true
}

// DeleteBatch removes every pod of the batch. Idempotent.
func (o *Orchestrator) DeleteBatch(ctx context.Context, namespace, name string) error {
	o.mu.Lock()
	_, isDAG := o.batches[namespace+"/"+name]
	delete(o.batches, namespace+"/"+name)
	o.mu.Unlock()

	if isDAG {
		return o.DeletePods(ctx, namespace, batchLabel+"="+name)
	}

	err := o.client.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return &errors.OrchestratorError{Op: "delete batch", Ref: name, Cause: err}
	}
	return nil
}

func (o *Orchestrator) containerSetPod(spec orchestrator.BatchSpec) *corev1.Pod {
	containers := make([]corev1.Container, 0, len(spec.Steps))
	for _, step := range spec.Steps {
		containers = append(containers, stepContainer(step))
	}

	labels := map[string]string{batchLabel: spec.Name}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   spec.Name,
			Labels: labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers:    containers,
		},
	}
}

func (o *Orchestrator) createStepPod(ctx context.Context, spec orchestrator.BatchSpec, step orchestrator.StepSpec) error {
	labels := map[string]string{
		batchLabel: spec.Name,
		stepLabel:  step.UUID,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   spec.Name + "-" + step.UUID,
			Labels: labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers:    []corev1.Container{stepContainer(step)},
		},
	}

	_, err := o.client.CoreV1().Pods(spec.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return &errors.OrchestratorError{Op: "create step pod", Ref: step.UUID, Cause: err}
	}
	return nil
}

func stepContainer(step orchestrator.StepSpec) corev1.Container {
	env := make([]corev1.EnvVar, 0, len(step.Env))
	for _, v := range step.Env {
		env = append(env, corev1.EnvVar{Name: v.Name, Value: v.Value})
	}
	return corev1.Container{
		Name:       step.UUID,
		Image:      step.Image,
		Command:    step.Command,
		Args:       step.Args,
		WorkingDir: step.WorkingDir,
		Env:        env,
	}
}

func containerPhase(cs corev1.ContainerStatus) orchestrator.Phase {
	switch {
	case cs.State.Terminated != nil:
		if cs.State.Terminated.ExitCode == 0 {
			return orchestrator.PhaseSucceeded
		}
		return orchestrator.PhaseFailed
	case cs.State.Waiting != nil:
		if isImagePullReason(cs.State.Waiting.Reason) {
			return orchestrator.PhaseFailed
		}
		return orchestrator.PhasePending
	case cs.State.Running != nil:
		return orchestrator.PhaseRunning
	default:
		return orchestrator.PhasePending
	}
}

func containerMessage(cs corev1.ContainerStatus) string {
	switch {
	case cs.State.Terminated != nil:
		return cs.State.Terminated.Message
	case cs.State.Waiting != nil:
		return cs.State.Waiting.Reason + ": " + cs.State.Waiting.Message
	default:
		return ""
	}
}

func isImagePullReason(reason string) bool {
	return reason == "ErrImagePull" || reason == "ImagePullBackOff" || reason == "InvalidImageName"
}

func podStatus(pod *corev1.Pod) orchestrator.StepStatus {
	status := orchestrator.StepStatus{UUID: pod.Labels[stepLabel]}

	// Container-level state is more precise than the pod phase, image pull
	// failures in particular never surface as a Failed pod phase.
	if len(pod.Status.ContainerStatuses) > 0 {
		cs := pod.Status.ContainerStatuses[0]
		status.Phase = containerPhase(cs)
		status.Message = containerMessage(cs)
		return status
	}

	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		status.Phase = orchestrator.PhaseSucceeded
	case corev1.PodFailed:
		status.Phase = orchestrator.PhaseFailed
		status.Message = pod.Status.Message
	case corev1.PodRunning:
		status.Phase = orchestrator.PhaseRunning
	default:
		status.Phase = orchestrator.PhasePending
	}
	return status
}

// CreateNamespace creates the namespace.
func (o *Orchestrator) CreateNamespace(ctx context.Context, name string, labels map[string]string) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels},
	}
	_, err := o.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return &errors.ConflictError{Resource: "namespace", Key: name, Message: "namespace already exists"}
		}
		return &errors.OrchestratorError{Op: "create namespace", Ref: name, Cause: err}
	}
	return nil
}

// DeleteNamespace removes the namespace. Idempotent.
func (o *Orchestrator) DeleteNamespace(ctx context.Context, name string) error {
	err := o.client.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return &errors.OrchestratorError{Op: "delete namespace", Ref: name, Cause: err}
	}
	return nil
}

// CreateDeployment creates a single-replica deployment.
func (o *Orchestrator) CreateDeployment(ctx context.Context, namespace string, spec orchestrator.DeploymentSpec) error {
	labels := map[string]string{"app": spec.Name}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for _, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: v.Name, Value: v.Value})
	}

	ports := make([]corev1.ContainerPort, 0, len(spec.Ports))
	for _, p := range spec.Ports {
		ports = append(ports, corev1.ContainerPort{ContainerPort: int32(p)})
	}

	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	i := 0
	for hostPath, mountPath := range spec.Binds {
		name := fmt.Sprintf("bind-%d", i)
		hp := hostPath
		volumes = append(volumes, corev1.Volume{
			Name: name,
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: hp},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: name, MountPath: mountPath})
		i++
	}

	replicas := int32(1)
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: spec.Name, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": spec.Name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:         spec.Name,
						Image:        spec.Image,
						Command:      spec.Command,
						Args:         spec.Args,
						Env:          env,
						Ports:        ports,
						VolumeMounts: mounts,
					}},
					Volumes: volumes,
				},
			},
		},
	}

	_, err := o.client.AppsV1().Deployments(namespace).Create(ctx, deployment, metav1.CreateOptions{})
	if err != nil {
		return &errors.OrchestratorError{Op: "create deployment", Ref: spec.Name, Cause: err}
	}
	return nil
}

// CreateService exposes a deployment inside its namespace.
func (o *Orchestrator) CreateService(ctx context.Context, namespace string, spec orchestrator.ServiceSpec) error {
	ports := make([]corev1.ServicePort, 0, len(spec.Ports))
	for _, p := range spec.Ports {
		ports = append(ports, corev1.ServicePort{Port: int32(p), Name: fmt.Sprintf("port-%d", p)})
	}

	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: spec.Name},
		Spec: corev1.ServiceSpec{
			Selector: spec.Selector,
			Ports:    ports,
		},
	}

	_, err := o.client.CoreV1().Services(namespace).Create(ctx, service, metav1.CreateOptions{})
	if err != nil {
		return &errors.OrchestratorError{Op: "create service", Ref: spec.Name, Cause: err}
	}
	return nil
}

// ExecInPod runs a command in the pod's first container and returns its
// exit code.
func (o *Orchestrator) ExecInPod(ctx context.Context, namespace, podName string, command []string) (int, error) {
	pod, err := o.client.CoreV1().Pods(namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		return -1, &errors.OrchestratorError{Op: "get pod", Ref: podName, Cause: err}
	}
	if len(pod.Spec.Containers) == 0 {
		return -1, &errors.OrchestratorError{Op: "exec", Ref: podName, Cause: stderrors.New("pod has no containers")}
	}

	req := o.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: pod.Spec.Containers[0].Name,
			Command:   command,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(o.restConfig, "POST", req.URL())
	if err != nil {
		return -1, &errors.OrchestratorError{Op: "exec", Ref: podName, Cause: err}
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		var exitErr kexec.CodeExitError
		if stderrors.As(err, &exitErr) {
			return exitErr.Code, nil
		}
		return -1, &errors.OrchestratorError{Op: "exec", Ref: podName, Cause: err}
	}

	return 0, nil
}

// ListPods lists pods matching the label selector.
func (o *Orchestrator) ListPods(ctx context.Context, namespace, labelSelector string) ([]orchestrator.PodInfo, error) {
	pods, err := o.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return nil, &errors.OrchestratorError{Op: "list pods", Ref: labelSelector, Cause: err}
	}

	infos := make([]orchestrator.PodInfo, 0, len(pods.Items))
	for _, pod := range pods.Items {
		var phase orchestrator.Phase
		switch pod.Status.Phase {
		case corev1.PodSucceeded:
			phase = orchestrator.PhaseSucceeded
		case corev1.PodFailed:
			phase = orchestrator.PhaseFailed
		case corev1.PodRunning:
			phase = orchestrator.PhaseRunning
		default:
			phase = orchestrator.PhasePending
		}
		infos = append(infos, orchestrator.PodInfo{
			Name:   pod.Name,
			Phase:  phase,
			Labels: pod.Labels,
		})
	}
	return infos, nil
}

// DeletePods deletes pods matching the label selector.
func (o *Orchestrator) DeletePods(ctx context.Context, namespace, labelSelector string) error {
	err := o.client.CoreV1().Pods(namespace).DeleteCollection(ctx, metav1.DeleteOptions{}, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil && !apierrors.IsNotFound(err) {
		return &errors.OrchestratorError{Op: "delete pods", Ref: labelSelector, Cause: err}
	}
	return nil
}
