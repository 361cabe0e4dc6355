//go:build !linux

package capture

import "context"

// Run is not supported on this platform; use a File source instead.
func (r *Raw) Run(_ context.Context, _ HandlerFunc) error {
	return ErrUnsupported
}
