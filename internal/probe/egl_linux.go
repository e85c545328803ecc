//go:build linux

package probe

import (
	"fmt"

	"github.com/ebitengine/purego"
)

const (
	eglDefaultDisplay = 0
	eglVendor         = 0x3053
	eglVersion        = 0x3054
)

// eglRendererString loads libEGL at runtime and reads the vendor and
// version strings off the default display. No cgo, no link-time
// dependency on a GPU stack.
func eglRendererString() (string, error) {
	lib, err := purego.Dlopen("libEGL.so.1", purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return "", fmt.Errorf("probe: load libEGL: %w", err)
	}

	var (
		eglGetDisplay  func(uintptr) uintptr
		eglInitialize  func(uintptr, *int32, *int32) bool
		eglTerminate   func(uintptr) bool
		eglQueryString func(uintptr, int32) string
	)
	purego.RegisterLibFunc(&eglGetDisplay, lib, "eglGetDisplay")
	purego.RegisterLibFunc(&eglInitialize, lib, "eglInitialize")
	purego.RegisterLibFunc(&eglTerminate, lib, "eglTerminate")
	purego.RegisterLibFunc(&eglQueryString, lib, "eglQueryString")

	display := eglGetDisplay(eglDefaultDisplay)
	if display == 0 {
		return "", fmt.Errorf("probe: no EGL display")
	}
	var major, minor int32
	if !eglInitialize(display, &major, &minor) {
		return "", fmt.Errorf("probe: eglInitialize failed")
	}
	defer eglTerminate(display)

	vendor := eglQueryString(display, eglVendor)
	version := eglQueryString(display, eglVersion)
	if vendor == "" && version == "" {
		return "", fmt.Errorf("probe: empty EGL strings")
	}
	return fmt.Sprintf("%s EGL %s", vendor, version), nil
}
