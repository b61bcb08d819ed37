package cpu

import (
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

// Features lists the SIMD extensions the host reports, e.g. "avx2,fma".
// gonum's assembly kernels pick their paths from the same flags.
func Features() string {
	var f []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasSSE41 {
			f = append(f, "sse4.1")
		}
		if cpu.X86.HasAVX {
			f = append(f, "avx")
		}
		if cpu.X86.HasAVX2 {
			f = append(f, "avx2")
		}
		if cpu.X86.HasFMA {
			f = append(f, "fma")
		}
		if cpu.X86.HasAVX512F {
			f = append(f, "avx512f")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			f = append(f, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			f = append(f, "fphp")
		}
		if cpu.ARM64.HasSVE {
			f = append(f, "sve")
		}
	}
	if len(f) == 0 {
		return "none"
	}
	return strings.Join(f, ",")
}
