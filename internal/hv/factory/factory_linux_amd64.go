//go:build linux && amd64

package factory

import (
	"github.com/droidvisor/droidvisor/internal/hv"
	"github.com/droidvisor/droidvisor/internal/hv/kvm"
)

func Open() (hv.Hypervisor, error) {
	return kvm.Open()
}
