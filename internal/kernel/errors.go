package kernel

import "errors"

var (
	// ErrInvalidRequest indicates a malformed kernel creation request.
	ErrInvalidRequest = errors.New("invalid kernel request")

	// ErrKernelNotFound indicates that no live kernel record exists for the given id.
	ErrKernelNotFound = errors.New("kernel not found")

	// ErrDuplicateKernelId indicates that a create request supplied an id that
	// collides with a live kernel record.
	ErrDuplicateKernelId = errors.New("kernel already exists")

	// ErrKernelAlreadyDeleting indicates that another caller is currently
	// tearing the kernel down. The caller should retry rather than double-delete.
	ErrKernelAlreadyDeleting = errors.New("kernel is already being deleted")

	// ErrReadinessTimeout indicates that a kernel's workload did not report
	// ready within the configured bound. The record is left Failed and the
	// workload has been torn down (best effort).
	ErrReadinessTimeout = errors.New("timed out waiting for kernel to become ready")

	// ErrInvalidTransition indicates an attempt to move a kernel record
	// backward (or otherwise illegally) through its lifecycle.
	ErrInvalidTransition = errors.New("illegal kernel phase transition")
)
