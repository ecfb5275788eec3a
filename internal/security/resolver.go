// Package security guards the subprocess boundary: it locates engine
// executables and refuses to run anything outside the runtime allowlist.
package security

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/apperrors"
	"github.com/xkilldash9x/scalpel-review/internal/config"
	"go.uber.org/zap"
)

// Environment abstracts the process environment and filesystem so resolution
// can be tested without real installs.
type Environment struct {
	GOOS         string
	Getenv       func(key string) string
	Stat         func(name string) (os.FileInfo, error)
	LookPath     func(file string) (string, error)
	EvalSymlinks func(path string) (string, error)
	HomeDir      func() (string, error)
}

// SystemEnvironment returns the live process environment.
func SystemEnvironment() Environment {
	return Environment{
		GOOS:         runtime.GOOS,
		Getenv:       os.Getenv,
		Stat:         os.Stat,
		LookPath:     exec.LookPath,
		EvalSymlinks: filepath.EvalSymlinks,
		HomeDir:      homedir.Dir,
	}
}

// Resolver finds the executable for each configured engine.
type Resolver struct {
	engines      map[string]config.EngineConfig
	safePrefixes []string
	env          Environment
	logger       *zap.Logger
}

// NewResolver creates a Resolver. Safe prefixes starting with "~" are expanded
// against the home directory.
func NewResolver(cli config.CLIConfig, engines map[string]config.EngineConfig, env Environment, logger *zap.Logger) *Resolver {
	r := &Resolver{
		engines: engines,
		env:     env,
		logger:  logger.Named("cli_resolver"),
	}
	for _, p := range cli.SafePrefixes {
		if expanded := r.expand(p); expanded != "" {
			r.safePrefixes = append(r.safePrefixes, expanded)
		}
	}
	return r
}

// Engine returns the configuration of a known engine.
func (r *Resolver) Engine(name string) (config.EngineConfig, error) {
	e, ok := r.engines[name]
	if !ok {
		return config.EngineConfig{}, apperrors.Validation("security.Resolve", "engine", "unknown engine %q", name)
	}
	return e, nil
}

// Resolve locates the executable for engine. Priority: environment override,
// safe configured path, well-known install locations, PATH search, bare name.
func (r *Resolver) Resolve(engine string) (schemas.CLIDetectionResult, error) {
	e, err := r.Engine(engine)
	if err != nil {
		return schemas.CLIDetectionResult{}, err
	}
	res := schemas.CLIDetectionResult{Engine: engine}

	if e.PathEnv != "" {
		if v := strings.TrimSpace(r.env.Getenv(e.PathEnv)); v != "" {
			res.Path, res.Source, res.Exists = v, schemas.DetectionEnv, r.exists(v)
			return res, nil
		}
	}

	if e.Path != "" {
		if IsBareName(e.Path) || r.hasSafePrefix(r.expand(e.Path)) {
			path := e.Path
			if !IsBareName(path) {
				path = r.expand(path)
			}
			res.Path, res.Source, res.Exists = path, schemas.DetectionConfig, r.exists(path)
			return res, nil
		}
		msg := fmt.Sprintf("configured path %q for %s is outside the safe install prefixes and was ignored", e.Path, engine)
		res.Warnings = append(res.Warnings, msg)
		r.logger.Warn("Ignoring unsafe configured CLI path", zap.String("engine", engine), zap.String("path", e.Path))
	}

	for _, candidate := range r.WellKnownLocations(e.Command) {
		if r.exists(candidate) {
			res.Path, res.Source, res.Exists = candidate, schemas.DetectionDetected, true
			return res, nil
		}
	}

	if found, err := r.env.LookPath(e.Command); err == nil {
		if abs, err := filepath.Abs(found); err == nil {
			found = abs
		}
		res.Path, res.Source, res.Exists = found, schemas.DetectionPath, true
		return res, nil
	}

	res.Path, res.Source, res.Exists = e.Command, schemas.DetectionDefault, false
	return res, nil
}

// WellKnownLocations lists the platform install locations checked for command.
func (r *Resolver) WellKnownLocations(command string) []string {
	if r.env.GOOS == "windows" {
		var out []string
		if appData := r.env.Getenv("APPDATA"); appData != "" {
			out = append(out, filepath.Join(appData, "npm", command+".cmd"))
		}
		if local := r.env.Getenv("LOCALAPPDATA"); local != "" {
			out = append(out, filepath.Join(local, "Programs", command, command+".exe"))
		}
		return out
	}

	dirs := []string{"/usr/local/bin", "/usr/bin"}
	if r.env.GOOS == "darwin" {
		dirs = []string{"/opt/homebrew/bin", "/usr/local/bin", "/opt/local/bin"}
	}
	for _, d := range []string{"~/.local/bin", "~/.npm-global/bin", "~/.volta/bin", "~/.bun/bin"} {
		if expanded := r.expand(d); expanded != "" {
			dirs = append(dirs, expanded)
		}
	}
	out := make([]string, len(dirs))
	for i, d := range dirs {
		out[i] = filepath.Join(d, command)
	}
	return out
}

func (r *Resolver) hasSafePrefix(path string) bool {
	if path == "" || !filepath.IsAbs(path) {
		return false
	}
	clean := filepath.Clean(path)
	for _, prefix := range r.safePrefixes {
		p := filepath.Clean(prefix) + string(filepath.Separator)
		if strings.HasPrefix(clean, p) {
			return true
		}
	}
	return false
}

func (r *Resolver) exists(path string) bool {
	if IsBareName(path) {
		_, err := r.env.LookPath(path)
		return err == nil
	}
	info, err := r.env.Stat(path)
	return err == nil && !info.IsDir()
}

// expand replaces a leading "~" with the home directory. It returns "" when
// the home directory is unknown.
func (r *Resolver) expand(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := r.env.HomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// IsBareName reports whether path is a command name without any directory part.
func IsBareName(path string) bool {
	return path != "" && !strings.ContainsAny(path, `/\`)
}
