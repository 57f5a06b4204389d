//go:build !linux

package tinyrpc

import "github.com/legamerdc/tinyrpc/rpc"

// Start 在非 Linux 平台返回 ErrPlatformNotSupported
func Start(cfg Config, services ...rpc.Service) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return ErrPlatformNotSupported
}
