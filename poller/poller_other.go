//go:build !linux

package poller

func New(maxEvents int) (Poller, error) {
	return nil, ErrPlatformNotSupported
}
