//go:build !(linux && (amd64 || arm64))

package region

// NewNativeBackend always fails with ErrUnsupported on this platform.
func NewNativeBackend() (Backend, error) {
	return nil, ErrUnsupported
}
