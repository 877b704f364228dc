package kvm

import "errors"

var (
	// ErrUnexpectedExitReason is returned when the kernel reports an exit
	// reason this package has no classification for.
	ErrUnexpectedExitReason = errors.New("kvm: unexpected exit reason")
	// ErrUnsupportedAPIVersion is returned when /dev/kvm reports an API
	// version other than the one this package was written against.
	ErrUnsupportedAPIVersion = errors.New("kvm: unsupported KVM_GET_API_VERSION result")
)

// supportedAPIVersion is the KVM userspace API version this package's
// struct layouts and ioctl numbers are written against.
const supportedAPIVersion = 12

// CheckAPIVersion fails fast if the host kernel's KVM API has diverged
// from the version this package was written against, rather than letting
// every subsequent ioctl fail with a confusing EINVAL.
func (d *Device) CheckAPIVersion() error {
	v, err := d.APIVersion()
	if err != nil {
		return err
	}

	if v != supportedAPIVersion {
		return ErrUnsupportedAPIVersion
	}

	return nil
}
