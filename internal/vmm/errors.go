package vmm

import "errors"

var (
	ErrVMNotFound    = errors.New("vm not found")
	ErrVMExists      = errors.New("vm already exists in pool")
	ErrWrongState    = errors.New("vm is in wrong state for this operation")
	ErrNoVMAvailable = errors.New("no VM available, please wait in queue")
)
