package spec_test

import (
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/kernel-manager/internal/spec"
)

var _ = Describe("Kernel Spec Registry Tests", func() {
	It("Will install the built-in spec when no catalog file is configured", func() {
		registry, err := spec.LoadRegistry("")
		Expect(err).To(BeNil())

		Expect(registry.Names()).To(Equal([]string{spec.DefaultSpecName}))

		s, err := registry.Resolve(spec.DefaultSpecName)
		Expect(err).To(BeNil())
		Expect(s.Image).To(Equal(spec.DefaultImage))
		Expect(s.WorkingDir).To(Equal(spec.DefaultWorkingDir))
		Expect(s.Namespace).To(Equal(spec.DefaultNamespace))
		Expect(s.IdleTimeoutSeconds).To(Equal(spec.DefaultIdleTimeoutSeconds))
	})

	It("Will load a catalog file and preserve its entry order", func() {
		catalog := `specs:
  - name: "python"
    image: "example/python:3.11"
    idle_timeout_seconds: 600
  - name: "r"
    namespace: "r-kernels"
`
		path := filepath.Join(GinkgoT().TempDir(), "kernel-specs.yaml")
		Expect(os.WriteFile(path, []byte(catalog), 0o644)).To(BeNil())

		registry, err := spec.LoadRegistry(path)
		Expect(err).To(BeNil())

		Expect(registry.Names()).To(Equal([]string{"python", "r"}))

		python, err := registry.Resolve("python")
		Expect(err).To(BeNil())
		Expect(python.Image).To(Equal("example/python:3.11"))
		Expect(python.IdleTimeoutSeconds).To(Equal(600))
		// Unset fields inherit the built-in defaults.
		Expect(python.WorkingDir).To(Equal(spec.DefaultWorkingDir))
		Expect(python.Namespace).To(Equal(spec.DefaultNamespace))

		r, err := registry.Resolve("r")
		Expect(err).To(BeNil())
		Expect(r.Namespace).To(Equal("r-kernels"))
		Expect(r.Image).To(Equal(spec.DefaultImage))
	})

	It("Will reject a catalog entry with no name", func() {
		_, err := spec.NewRegistry([]spec.Spec{{Image: "example/unnamed:1.0"}})
		Expect(errors.Is(err, spec.ErrUnnamedSpec)).To(BeTrue())
	})

	It("Will fail to load a catalog file that does not exist", func() {
		_, err := spec.LoadRegistry("/no/such/catalog.yaml")
		Expect(err).ToNot(BeNil())
	})

	It("Will return ErrSpecNotFound for unknown spec names", func() {
		registry, err := spec.LoadRegistry("")
		Expect(err).To(BeNil())

		_, err = registry.Resolve("julia")
		Expect(errors.Is(err, spec.ErrSpecNotFound)).To(BeTrue())
	})
})
