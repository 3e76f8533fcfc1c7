package compose

import (
	"log/slog"
	"strings"

	"github.com/labuh/labuh/internal/apperr"
)

// protectedPaths are host directories that may never be bind-mounted, either
// exactly or via any path beneath them.
var protectedPaths = []string{
	"/bin", "/boot", "/dev", "/etc", "/home", "/lib", "/lib64", "/opt",
	"/proc", "/root", "/run", "/sbin", "/sys", "/tmp", "/usr", "/var",
}

// ValidateVolume checks a mount string "HOST:CONTAINER[:opts]" against the
// volume security gate. It returns the host and container sides, a non-empty
// warning for allowed-but-suspicious mounts, or an error that fails the
// whole parse. A mount with no host side (anonymous volume) passes with both
// sides empty.
func ValidateVolume(mount string) (host, container, warning string, err error) {
	mount = strings.TrimSpace(mount)

	h, rest, found := strings.Cut(mount, ":")
	if !found {
		// Anonymous volume: only a container path, nothing host-side to vet.
		return "", "", "", nil
	}
	c, _, _ := strings.Cut(rest, ":") // strip mode options

	if strings.Contains(h, "..") {
		return "", "", "", apperr.Errorf(apperr.Validation, "volume %q: path traversal is not allowed", mount)
	}
	if h == "/" {
		return "", "", "", apperr.Errorf(apperr.Validation, "volume %q: mounting the host root is not allowed", mount)
	}

	if strings.HasPrefix(h, "/") {
		for _, p := range protectedPaths {
			if h == p || strings.HasPrefix(h, p+"/") {
				return "", "", "", apperr.Errorf(apperr.Validation, "volume %q: host path %s is protected", mount, h)
			}
		}
		return h, c, "absolute host path", nil
	}

	if strings.HasPrefix(h, "./") {
		return h, c, "relative host path", nil
	}
	if strings.HasPrefix(h, ".") {
		return "", "", "", apperr.Errorf(apperr.Validation, "volume %q: host path must be absolute, ./-relative, or a named volume", mount)
	}

	// Named volume.
	return h, c, "", nil
}

func warnVolume(service, mount, reason string) {
	slog.Warn("volume mount allowed with warning", "service", service, "mount", mount, "reason", reason)
}
