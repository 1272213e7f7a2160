package watchdog

import (
	"errors"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
)

// Descriptor identifies the monitored application. It is resolved once at
// startup and never changes for the lifetime of the supervisor.
type Descriptor struct {
	Name        string // executable base name, matched against the process table
	Path        string // absolute path the child is launched from
	RestartFlag string // token passed when the previous run was abnormal
}

// ResolveDescriptor builds the Descriptor for cfg. The child is looked up in
// cfg.ChildDir, or next to the supervisor's own executable when unset. A
// relative ChildDir is taken relative to the supervisor's directory too.
func ResolveDescriptor(cfg *Config) (Descriptor, error) {
	dir := baseDir()
	if cfg.ChildDir != "" {
		dir = resolvePath(dir, cfg.ChildDir)
	}
	return NewDescriptor(cfg.Child, dir, cfg.RestartFlag)
}

// NewDescriptor resolves name inside dir.
func NewDescriptor(name, dir, restartFlag string) (Descriptor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Descriptor{}, errors.New("descriptor: empty executable name")
	}
	abs, err := filepath.Abs(filepath.Join(dir, name))
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Name:        filepath.Base(name),
		Path:        abs,
		RestartFlag: restartFlag,
	}, nil
}

// Args returns the arguments passed to the child after its path.
func (d Descriptor) Args(restart bool) []string {
	if restart && d.RestartFlag != "" {
		return []string{d.RestartFlag}
	}
	return nil
}

// CommandLine renders the launch command as a single string for logging.
func (d Descriptor) CommandLine(restart bool) string {
	parts := append([]string{`"` + d.Path + `"`}, d.Args(restart)...)
	return strings.Join(parts, " ")
}

// HasRestartFlag reports whether args carries token as an exact element.
func HasRestartFlag(args []string, token string) bool {
	return token != "" && slices.Contains(args, token)
}

// executableName appends the platform executable suffix when name has no
// extension.
func executableName(name string) string {
	if runtime.GOOS == "windows" && filepath.Ext(name) == "" {
		return name + ".exe"
	}
	return name
}
