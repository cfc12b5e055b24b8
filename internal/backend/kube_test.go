package backend_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/net/context"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/dynamic/fake"

	"github.com/scusemua/kernel-manager/internal/backend"
)

var kernelGVR = schema.GroupVersionResource{
	Group:    "jupyter.org",
	Version:  "v1",
	Resource: "kernels",
}

var _ = Describe("Kubernetes Backend Tests", func() {
	var (
		client      dynamic.Interface
		kubeBackend *backend.KubernetesBackend
	)

	newWorkloadSpec := func(kernelId string) *backend.WorkloadSpec {
		return &backend.WorkloadSpec{
			KernelId:               kernelId,
			SpecName:               "python",
			Namespace:              "default",
			Image:                  "example/python:3.11",
			WorkingDir:             "/mnt/data",
			IdleTimeoutSeconds:     3600,
			CullingIntervalSeconds: 60,
			Envs: []backend.EnvVar{
				{Name: "KERNEL_ID", Value: kernelId},
			},
			Volumes: []backend.Volume{
				{Name: "data", Source: map[string]interface{}{
					"persistentVolumeClaim": map[string]interface{}{"claimName": "data-pvc"},
				}},
			},
			VolumeMounts: []backend.VolumeMount{
				{Name: "data", MountPath: "/mnt/data"},
			},
		}
	}

	setPhase := func(namespace, name, phase string) {
		obj, err := client.Resource(kernelGVR).Namespace(namespace).Get(
			context.Background(), name, metav1.GetOptions{})
		Expect(err).To(BeNil())

		Expect(unstructured.SetNestedField(obj.Object, phase, "status", "phase")).To(BeNil())

		_, err = client.Resource(kernelGVR).Namespace(namespace).Update(
			context.Background(), obj, metav1.UpdateOptions{})
		Expect(err).To(BeNil())
	}

	BeforeEach(func() {
		client = fake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
			map[schema.GroupVersionResource]string{kernelGVR: "KernelList"})
		kubeBackend = backend.NewKubernetesBackendWithClient(client)
	})

	It("Will create a Kernel resource named <specName>-<kernelId>", func() {
		handle, err := kubeBackend.Provision(context.Background(), newWorkloadSpec("abc123"))
		Expect(err).To(BeNil())
		Expect(handle.Name).To(Equal("python-abc123"))
		Expect(handle.Namespace).To(Equal("default"))
		Expect(handle.KernelId).To(Equal("abc123"))

		obj, err := client.Resource(kernelGVR).Namespace("default").Get(
			context.Background(), "python-abc123", metav1.GetOptions{})
		Expect(err).To(BeNil())

		labels := obj.GetLabels()
		Expect(labels[backend.KernelIdLabel]).To(Equal("abc123"))
		Expect(labels[backend.KernelSpecNameLabel]).To(Equal("python"))

		timeout, found, err := unstructured.NestedInt64(obj.Object, "spec", "idleTimeoutSeconds")
		Expect(err).To(BeNil())
		Expect(found).To(BeTrue())
		Expect(timeout).To(Equal(int64(3600)))
	})

	It("Will report an already-existing workload as ErrWorkloadExists", func() {
		_, err := kubeBackend.Provision(context.Background(), newWorkloadSpec("abc123"))
		Expect(err).To(BeNil())

		_, err = kubeBackend.Provision(context.Background(), newWorkloadSpec("abc123"))
		Expect(errors.Is(err, backend.ErrWorkloadExists)).To(BeTrue())
	})

	It("Will derive readiness from the resource's status phase", func() {
		handle, err := kubeBackend.Provision(context.Background(), newWorkloadSpec("abc123"))
		Expect(err).To(BeNil())

		status, err := kubeBackend.Status(context.Background(), handle)
		Expect(err).To(BeNil())
		Expect(status).To(Equal(backend.WorkloadNotReady))

		setPhase("default", handle.Name, "Running")

		status, err = kubeBackend.Status(context.Background(), handle)
		Expect(err).To(BeNil())
		Expect(status).To(Equal(backend.WorkloadReady))
	})

	It("Will report a missing workload as Absent", func() {
		status, err := kubeBackend.Status(context.Background(), &backend.WorkloadHandle{
			KernelId:  "ghost",
			Namespace: "default",
			Name:      "python-ghost",
		})
		Expect(err).To(BeNil())
		Expect(status).To(Equal(backend.WorkloadAbsent))
	})

	It("Will treat deleting a missing workload as success", func() {
		err := kubeBackend.Teardown(context.Background(), &backend.WorkloadHandle{
			KernelId:  "ghost",
			Namespace: "default",
			Name:      "python-ghost",
		})
		Expect(err).To(BeNil())
	})

	It("Will delete the Kernel resource on teardown", func() {
		handle, err := kubeBackend.Provision(context.Background(), newWorkloadSpec("abc123"))
		Expect(err).To(BeNil())

		Expect(kubeBackend.Teardown(context.Background(), handle)).To(BeNil())

		status, err := kubeBackend.Status(context.Background(), handle)
		Expect(err).To(BeNil())
		Expect(status).To(Equal(backend.WorkloadAbsent))
	})

	It("Will reconstruct workloads, including their resolved configuration, when listing", func() {
		spec := newWorkloadSpec("abc123")
		handle, err := kubeBackend.Provision(context.Background(), spec)
		Expect(err).To(BeNil())

		setPhase("default", handle.Name, "Running")

		workloads, err := kubeBackend.List(context.Background())
		Expect(err).To(BeNil())
		Expect(workloads).To(HaveLen(1))

		workload := workloads[0]
		Expect(workload.Handle.KernelId).To(Equal("abc123"))
		Expect(workload.Handle.Name).To(Equal("python-abc123"))
		Expect(workload.Status).To(Equal(backend.WorkloadReady))

		Expect(workload.Spec.SpecName).To(Equal("python"))
		Expect(workload.Spec.Image).To(Equal("example/python:3.11"))
		Expect(workload.Spec.WorkingDir).To(Equal("/mnt/data"))
		Expect(workload.Spec.IdleTimeoutSeconds).To(Equal(3600))
		Expect(workload.Spec.CullingIntervalSeconds).To(Equal(60))
		Expect(workload.Spec.Envs).To(Equal(spec.Envs))
		Expect(workload.Spec.VolumeMounts).To(Equal(spec.VolumeMounts))
		Expect(workload.Spec.Volumes).To(HaveLen(1))
		Expect(workload.Spec.Volumes[0].Name).To(Equal("data"))
		Expect(workload.Spec.Volumes[0].Source).To(HaveKey("persistentVolumeClaim"))
	})

	It("Will skip resources that carry no kernel id label when listing", func() {
		rogue := &unstructured.Unstructured{
			Object: map[string]interface{}{
				"apiVersion": "jupyter.org/v1",
				"kind":       "Kernel",
				"metadata": map[string]interface{}{
					"name":      "rogue-kernel",
					"namespace": "default",
				},
			},
		}
		_, err := client.Resource(kernelGVR).Namespace("default").Create(
			context.Background(), rogue, metav1.CreateOptions{})
		Expect(err).To(BeNil())

		workloads, err := kubeBackend.List(context.Background())
		Expect(err).To(BeNil())
		Expect(workloads).To(HaveLen(0))
	})
})
