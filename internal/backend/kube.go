package backend

import (
	"fmt"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
	"golang.org/x/net/context"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	// KernelIdLabel is the label under which a workload records the kernel id it backs.
	KernelIdLabel = "jupyter.org/kernel-id"
	// KernelSpecNameLabel is the label under which a workload records its kernel spec name.
	KernelSpecNameLabel = "jupyter.org/kernel-spec-name"

	kernelContainerName = "ipykernel"
	runningPhase        = "Running"
)

// kernelResource is the Kernel custom resource managed by the kernel CRD controller.
var kernelResource = schema.GroupVersionResource{
	Group:    "jupyter.org",
	Version:  "v1",
	Resource: "kernels",
}

// KubernetesBackend backs each kernel with a `jupyter.org/v1 Kernel` custom
// resource, manipulated through the dynamic client. The CRD controller owns
// the pod; this backend only observes the resource's status phase.
type KubernetesBackend struct {
	client dynamic.Interface
	log    logger.Logger
}

// NewKubernetesBackend builds a KubernetesBackend using in-cluster
// configuration, falling back to the given kubeconfig path.
func NewKubernetesBackend(kubeConfigPath string) (*KubernetesBackend, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeConfigPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load both in-cluster and kubeconfig configuration")
		}
	}

	client, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create dynamic kubernetes client")
	}

	return NewKubernetesBackendWithClient(client), nil
}

// NewKubernetesBackendWithClient builds a KubernetesBackend around an existing
// dynamic client. Used by tests with a fake client.
func NewKubernetesBackendWithClient(client dynamic.Interface) *KubernetesBackend {
	backend := &KubernetesBackend{client: client}
	config.InitLogger(&backend.log, backend)
	return backend
}

// WorkloadName returns the cluster-side object name for a kernel, `<specName>-<kernelId>`.
func WorkloadName(specName string, kernelId string) string {
	return fmt.Sprintf("%s-%s", specName, kernelId)
}

func (b *KubernetesBackend) Provision(ctx context.Context, spec *WorkloadSpec) (*WorkloadHandle, error) {
	name := WorkloadName(spec.SpecName, spec.KernelId)

	b.log.Debug("Creating Kernel resource \"%s\" in namespace \"%s\" for kernel \"%s\".",
		name, spec.Namespace, spec.KernelId)

	resource := b.renderKernelResource(name, spec)

	_, err := b.client.Resource(kernelResource).Namespace(spec.Namespace).Create(ctx, resource, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil, fmt.Errorf("%w: \"%s\" in namespace \"%s\"", ErrWorkloadExists, name, spec.Namespace)
		}

		if apierrors.IsForbidden(err) {
			return nil, errors.Wrapf(err, "kernel workload creation is forbidden; check permissions and resource quota limits")
		}

		return nil, errors.Wrapf(err, "failed to create Kernel resource \"%s\" in namespace \"%s\"", name, spec.Namespace)
	}

	return &WorkloadHandle{KernelId: spec.KernelId, Namespace: spec.Namespace, Name: name}, nil
}

func (b *KubernetesBackend) Teardown(ctx context.Context, handle *WorkloadHandle) error {
	b.log.Debug("Deleting Kernel resource \"%s\" in namespace \"%s\".", handle.Name, handle.Namespace)

	err := b.client.Resource(kernelResource).Namespace(handle.Namespace).Delete(ctx, handle.Name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return errors.Wrapf(err, "failed to delete Kernel resource \"%s\" in namespace \"%s\"", handle.Name, handle.Namespace)
	}

	return nil
}

func (b *KubernetesBackend) Status(ctx context.Context, handle *WorkloadHandle) (WorkloadStatus, error) {
	obj, err := b.client.Resource(kernelResource).Namespace(handle.Namespace).Get(ctx, handle.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return WorkloadAbsent, nil
		}

		return WorkloadNotReady, errors.Wrapf(err, "failed to retrieve Kernel resource \"%s\" in namespace \"%s\"", handle.Name, handle.Namespace)
	}

	phase, _, _ := unstructured.NestedString(obj.Object, "status", "phase")
	if phase == runningPhase {
		return WorkloadReady, nil
	}

	return WorkloadNotReady, nil
}

func (b *KubernetesBackend) List(ctx context.Context) ([]*Workload, error) {
	list, err := b.client.Resource(kernelResource).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list Kernel resources")
	}

	workloads := make([]*Workload, 0, len(list.Items))
	for i := range list.Items {
		workload, parseErr := b.parseWorkload(&list.Items[i])
		if parseErr != nil {
			b.log.Warn("Skipping unparseable Kernel resource \"%s/%s\": %v",
				list.Items[i].GetNamespace(), list.Items[i].GetName(), parseErr)
			continue
		}

		workloads = append(workloads, workload)
	}

	return workloads, nil
}

// renderKernelResource builds the Kernel custom resource for a fully-resolved
// workload spec. The pod template carries only the (already filtered) envs.
func (b *KubernetesBackend) renderKernelResource(name string, spec *WorkloadSpec) *unstructured.Unstructured {
	envs := make([]interface{}, 0, len(spec.Envs))
	for _, env := range spec.Envs {
		envs = append(envs, map[string]interface{}{"name": env.Name, "value": env.Value})
	}

	mounts := make([]interface{}, 0, len(spec.VolumeMounts))
	for _, mount := range spec.VolumeMounts {
		mounts = append(mounts, map[string]interface{}{"name": mount.Name, "mountPath": mount.MountPath})
	}

	volumes := make([]interface{}, 0, len(spec.Volumes))
	for _, volume := range spec.Volumes {
		rendered := map[string]interface{}{"name": volume.Name}
		for key, val := range volume.Source {
			rendered[key] = val
		}
		volumes = append(volumes, rendered)
	}

	return &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": fmt.Sprintf("%s/%s", kernelResource.Group, kernelResource.Version),
			"kind":       "Kernel",
			"metadata": map[string]interface{}{
				"name":      name,
				"namespace": spec.Namespace,
				"labels": map[string]interface{}{
					KernelIdLabel:       spec.KernelId,
					KernelSpecNameLabel: spec.SpecName,
				},
			},
			"spec": map[string]interface{}{
				"idleTimeoutSeconds":     int64(spec.IdleTimeoutSeconds),
				"cullingIntervalSeconds": int64(spec.CullingIntervalSeconds),
				"template": map[string]interface{}{
					"spec": map[string]interface{}{
						"restartPolicy": "Never",
						"volumes":       volumes,
						"containers": []interface{}{
							map[string]interface{}{
								"name":         kernelContainerName,
								"image":        spec.Image,
								"workingDir":   spec.WorkingDir,
								"command":      []interface{}{"python", "-m", "ipykernel", "-f", "$(KERNEL_CONNECTION_FILE_PATH)"},
								"env":          envs,
								"volumeMounts": mounts,
							},
						},
					},
				},
			},
		},
	}
}

// parseWorkload reconstructs a Workload from a Kernel custom resource. It is
// the inverse of renderKernelResource, tolerant of missing optional fields.
func (b *KubernetesBackend) parseWorkload(obj *unstructured.Unstructured) (*Workload, error) {
	labels := obj.GetLabels()
	kernelId, loaded := labels[KernelIdLabel]
	if !loaded || kernelId == "" {
		return nil, fmt.Errorf("resource carries no %s label", KernelIdLabel)
	}

	spec := &WorkloadSpec{
		KernelId:  kernelId,
		SpecName:  labels[KernelSpecNameLabel],
		Namespace: obj.GetNamespace(),
	}

	if timeout, found, _ := unstructured.NestedInt64(obj.Object, "spec", "idleTimeoutSeconds"); found {
		spec.IdleTimeoutSeconds = int(timeout)
	}
	if interval, found, _ := unstructured.NestedInt64(obj.Object, "spec", "cullingIntervalSeconds"); found {
		spec.CullingIntervalSeconds = int(interval)
	}

	containers, _, _ := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "containers")
	if len(containers) == 0 {
		return nil, fmt.Errorf("resource \"%s\" has no containers in its pod template", obj.GetName())
	}

	container, ok := containers[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("resource \"%s\" has a malformed container entry", obj.GetName())
	}

	spec.Image, _ = container["image"].(string)
	spec.WorkingDir, _ = container["workingDir"].(string)

	if envs, ok := container["env"].([]interface{}); ok {
		for _, entry := range envs {
			env, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := env["name"].(string)
			value, _ := env["value"].(string)
			spec.Envs = append(spec.Envs, EnvVar{Name: name, Value: value})
		}
	}

	if mounts, ok := container["volumeMounts"].([]interface{}); ok {
		for _, entry := range mounts {
			mount, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := mount["name"].(string)
			path, _ := mount["mountPath"].(string)
			spec.VolumeMounts = append(spec.VolumeMounts, VolumeMount{Name: name, MountPath: path})
		}
	}

	if volumes, _, _ := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "volumes"); volumes != nil {
		for _, entry := range volumes {
			volume, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}

			parsed := Volume{Source: make(map[string]interface{})}
			for key, val := range volume {
				if key == "name" {
					parsed.Name, _ = val.(string)
					continue
				}
				parsed.Source[key] = val
			}
			spec.Volumes = append(spec.Volumes, parsed)
		}
	}

	status := WorkloadNotReady
	if phase, _, _ := unstructured.NestedString(obj.Object, "status", "phase"); phase == runningPhase {
		status = WorkloadReady
	}

	var createdAt time.Time
	if ts := obj.GetCreationTimestamp(); !ts.IsZero() {
		createdAt = ts.Time
	}

	return &Workload{
		Handle:    &WorkloadHandle{KernelId: kernelId, Namespace: spec.Namespace, Name: obj.GetName()},
		Spec:      spec,
		Status:    status,
		CreatedAt: createdAt,
	}, nil
}
