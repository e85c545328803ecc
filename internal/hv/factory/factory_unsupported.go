//go:build !(linux && amd64)

package factory

import "github.com/droidvisor/droidvisor/internal/hv"

func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
