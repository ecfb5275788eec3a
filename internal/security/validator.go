package security

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/apperrors"
	"github.com/xkilldash9x/scalpel-review/internal/config"
	"go.uber.org/zap"
)

const opValidate = "security.ValidatePath"

// Audit event names.
const (
	EventPathRejected  = "cli_path_rejected"
	EventPathValidated = "cli_path_validated"
)

// Validator checks executable paths against the runtime allowlist. Each
// distinct path is validated once per process and the verdict cached.
type Validator struct {
	resolver *Resolver
	env      Environment
	logger   *zap.Logger
	audit    *zap.Logger

	allow map[string]struct{}

	mu      sync.Mutex
	verdict map[string]error
}

// NewValidator builds the allowlist from engine command names, their
// well-known install locations, environment overrides, currently resolved
// paths and the configured extras.
func NewValidator(cli config.CLIConfig, resolver *Resolver, logger *zap.Logger) *Validator {
	v := &Validator{
		resolver: resolver,
		env:      resolver.env,
		logger:   logger.Named("cli_validator"),
		audit:    logger.Named("security_audit"),
		allow:    make(map[string]struct{}),
		verdict:  make(map[string]error),
	}

	for name, e := range resolver.engines {
		v.add(e.Command)
		for _, p := range resolver.WellKnownLocations(e.Command) {
			v.add(p)
		}
		if e.PathEnv != "" {
			if override := strings.TrimSpace(v.env.Getenv(e.PathEnv)); override != "" {
				v.add(override)
			}
		}
		if res, err := resolver.Resolve(name); err == nil && res.Source != schemas.DetectionDefault {
			v.add(res.Path)
		}
	}
	for _, extra := range cli.Allowlist {
		v.add(resolver.expand(extra))
	}
	return v
}

func (v *Validator) add(path string) {
	if path == "" {
		return
	}
	if IsBareName(path) {
		v.allow[path] = struct{}{}
		return
	}
	if filepath.IsAbs(path) {
		v.allow[filepath.Clean(path)] = struct{}{}
	}
}

// Allowlist returns the sorted allowlist entries.
func (v *Validator) Allowlist() []string {
	out := make([]string, 0, len(v.allow))
	for p := range v.allow {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Validate returns nil when path may be executed, or a fatal Security error.
func (v *Validator) Validate(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err, ok := v.verdict[path]; ok {
		return err
	}
	err := v.check(path)
	v.verdict[path] = err
	if err != nil {
		v.audit.Warn("Rejected engine executable",
			zap.String("event", EventPathRejected),
			zap.String("path", path),
			zap.Error(err))
	} else {
		v.audit.Info("Validated engine executable",
			zap.String("event", EventPathValidated),
			zap.String("path", path))
	}
	return err
}

func (v *Validator) check(path string) error {
	switch {
	case strings.TrimSpace(path) == "":
		return apperrors.Security(opValidate, "executable path is empty")
	case strings.ContainsRune(path, 0):
		return reject(path, "executable path contains a NUL byte")
	case IsBareName(path):
		if !v.allowed(path) {
			return reject(path, "command %q is not in the allowlist", path)
		}
		if v.env.GOOS == "windows" {
			return nil
		}
		resolved, err := v.env.LookPath(path)
		if err != nil {
			return reject(path, "command %q was not found on PATH", path)
		}
		if abs, err := filepath.Abs(resolved); err == nil {
			resolved = abs
		}
		resolved = filepath.Clean(resolved)
		if !v.allowed(resolved) {
			return reject(path, "command %q resolves to %q, which is not in the allowlist", path, resolved).
				WithDetail("resolved", resolved)
		}
		return v.checkTarget(path, resolved)
	case filepath.IsAbs(path):
		for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
			if part == ".." {
				return reject(path, "executable path %q contains a parent directory reference", path)
			}
		}
		clean := filepath.Clean(path)
		if !v.allowed(clean) {
			return reject(path, "executable path %q is not in the allowlist", path)
		}
		return v.checkTarget(path, clean)
	default:
		return reject(path, "relative executable path %q is not allowed", path)
	}
}

// checkTarget follows symlinks from the allowlisted path clean and rejects it
// when the final target is a different, unlisted file. A missing file has
// nothing to follow and is left to fail at execution.
func (v *Validator) checkTarget(path, clean string) error {
	if v.env.EvalSymlinks == nil {
		return nil
	}
	target, err := v.env.EvalSymlinks(clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return reject(path, "cannot resolve executable path %q: %v", path, err)
	}
	target = filepath.Clean(target)
	if target != clean && !v.allowed(target) {
		return reject(path, "executable path %q links to %q, which is not in the allowlist", path, target).
			WithDetail("resolved", target)
	}
	return nil
}

func (v *Validator) allowed(path string) bool {
	_, ok := v.allow[path]
	return ok
}

func reject(path, format string, args ...any) *apperrors.Error {
	return apperrors.Security(opValidate, format, args...).WithDetail("path", path)
}

// ResolveAndValidate returns the executable for engine, honouring an explicit
// override, and fails closed when the path is not allowlisted.
func (v *Validator) ResolveAndValidate(engine, override string) (schemas.CLIDetectionResult, error) {
	var res schemas.CLIDetectionResult
	if override != "" {
		if _, err := v.resolver.Engine(engine); err != nil {
			return res, err
		}
		res = schemas.CLIDetectionResult{Engine: engine, Path: override, Source: schemas.DetectionConfig}
		res.Exists = v.resolver.exists(override)
	} else {
		var err error
		if res, err = v.resolver.Resolve(engine); err != nil {
			return res, err
		}
	}
	if err := v.Validate(res.Path); err != nil {
		return res, err
	}
	return res, nil
}
