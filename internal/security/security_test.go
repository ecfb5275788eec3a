package security

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/apperrors"
	"github.com/xkilldash9x/scalpel-review/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeFile struct{ name string }

func (f fakeFile) Name() string       { return f.name }
func (f fakeFile) Size() int64        { return 0 }
func (f fakeFile) Mode() fs.FileMode  { return 0o755 }
func (f fakeFile) ModTime() time.Time { return time.Time{} }
func (f fakeFile) IsDir() bool        { return false }
func (f fakeFile) Sys() any           { return nil }

// fakeEnv is a linux host with the given files, environment and PATH entries.
func fakeEnv(files []string, vars map[string]string, path map[string]string) Environment {
	set := make(map[string]bool, len(files))
	for _, f := range files {
		set[f] = true
	}
	return Environment{
		GOOS:   "linux",
		Getenv: func(k string) string { return vars[k] },
		Stat: func(name string) (os.FileInfo, error) {
			if set[name] {
				return fakeFile{name: name}, nil
			}
			return nil, fs.ErrNotExist
		},
		LookPath: func(file string) (string, error) {
			if p, ok := path[file]; ok {
				return p, nil
			}
			return "", errors.New("executable file not found in $PATH")
		},
		HomeDir: func() (string, error) { return "/home/dev", nil },
	}
}

func testEngines() map[string]config.EngineConfig {
	return map[string]config.EngineConfig{
		"codex":  {Command: "codex", PathEnv: "CODEX_CLI_PATH"},
		"gemini": {Command: "gemini", PathEnv: "GEMINI_CLI_PATH"},
	}
}

func testCLIConfig() config.CLIConfig {
	return config.NewDefaultConfig().CLI
}

func TestResolvePriority(t *testing.T) {
	tests := []struct {
		name       string
		engine     config.EngineConfig
		files      []string
		vars       map[string]string
		path       map[string]string
		wantPath   string
		wantSource schemas.DetectionSource
		wantExists bool
		wantWarn   bool
	}{
		{
			name:       "environment override wins",
			engine:     config.EngineConfig{Command: "codex", PathEnv: "CODEX_CLI_PATH", Path: "/usr/bin/codex"},
			files:      []string{"/srv/tools/codex", "/usr/bin/codex"},
			vars:       map[string]string{"CODEX_CLI_PATH": "/srv/tools/codex"},
			wantPath:   "/srv/tools/codex",
			wantSource: schemas.DetectionEnv,
			wantExists: true,
		},
		{
			name:       "safe configured path",
			engine:     config.EngineConfig{Command: "codex", Path: "~/.volta/bin/codex"},
			wantPath:   "/home/dev/.volta/bin/codex",
			wantSource: schemas.DetectionConfig,
		},
		{
			name:       "unsafe configured path falls through to well-known location",
			engine:     config.EngineConfig{Command: "codex", Path: "/tmp/evil/codex"},
			files:      []string{"/tmp/evil/codex", "/home/dev/.npm-global/bin/codex"},
			wantPath:   "/home/dev/.npm-global/bin/codex",
			wantSource: schemas.DetectionDetected,
			wantExists: true,
			wantWarn:   true,
		},
		{
			name:       "path search",
			engine:     config.EngineConfig{Command: "codex"},
			path:       map[string]string{"codex": "/nix/store/abc/bin/codex"},
			wantPath:   "/nix/store/abc/bin/codex",
			wantSource: schemas.DetectionPath,
			wantExists: true,
		},
		{
			name:       "bare fallback",
			engine:     config.EngineConfig{Command: "codex"},
			wantPath:   "codex",
			wantSource: schemas.DetectionDefault,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			r := NewResolver(testCLIConfig(), map[string]config.EngineConfig{"codex": tt.engine},
				fakeEnv(tt.files, tt.vars, tt.path), zap.New(core))

			res, err := r.Resolve("codex")
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, res.Path)
			assert.Equal(t, tt.wantSource, res.Source)
			assert.Equal(t, tt.wantExists, res.Exists)
			assert.Equal(t, tt.wantWarn, len(res.Warnings) == 1)
			assert.Equal(t, tt.wantWarn, logs.FilterMessage("Ignoring unsafe configured CLI path").Len() == 1)
		})
	}
}

func TestResolveUnknownEngine(t *testing.T) {
	r := NewResolver(testCLIConfig(), testEngines(), fakeEnv(nil, nil, nil), zap.NewNop())
	_, err := r.Resolve("nope")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestWellKnownLocationsByPlatform(t *testing.T) {
	env := fakeEnv(nil, map[string]string{"APPDATA": `C:\Users\dev\AppData\Roaming`}, nil)
	env.GOOS = "darwin"
	r := NewResolver(testCLIConfig(), testEngines(), env, zap.NewNop())
	assert.Equal(t, "/opt/homebrew/bin/codex", r.WellKnownLocations("codex")[0])

	env.GOOS = "windows"
	r = NewResolver(testCLIConfig(), testEngines(), env, zap.NewNop())
	assert.Len(t, r.WellKnownLocations("codex"), 1)
}

func newValidator(t *testing.T, env Environment, cli config.CLIConfig) (*Validator, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	return NewValidator(cli, NewResolver(cli, testEngines(), env, logger), logger), logs
}

func TestValidateRejectsUnlistedAbsolutePath(t *testing.T) {
	v, logs := newValidator(t, fakeEnv(nil, nil, nil), testCLIConfig())

	err := v.Validate("/tmp/evil/codex")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindSecurity))
	assert.False(t, apperrors.IsRetryable(err))

	audit := logs.Filter(func(e observer.LoggedEntry) bool {
		return e.LoggerName == "security_audit"
	}).FilterField(zap.String("event", EventPathRejected))
	assert.Equal(t, 1, audit.Len())
}

func TestValidateRejectsUnsafeConfiguredPath(t *testing.T) {
	engines := map[string]config.EngineConfig{"codex": {Command: "codex", Path: "/tmp/evil/codex"}}
	env := fakeEnv([]string{"/tmp/evil/codex"}, nil, nil)
	cli := testCLIConfig()
	r := NewResolver(cli, engines, env, zap.NewNop())
	v := NewValidator(cli, r, zap.NewNop())

	err := v.Validate("/tmp/evil/codex")
	assert.True(t, apperrors.IsKind(err, apperrors.KindSecurity))
	assert.NotContains(t, v.Allowlist(), "/tmp/evil/codex")
}

func TestValidateAllowlistedPaths(t *testing.T) {
	env := fakeEnv(
		[]string{"/usr/local/bin/codex"},
		map[string]string{"GEMINI_CLI_PATH": "/srv/gemini/bin/gemini"},
		map[string]string{"codex": "/usr/local/bin/codex", "gemini": "/opt/rogue/gemini"},
	)
	cli := testCLIConfig()
	cli.Allowlist = []string{"~/bin/codex"}
	v, _ := newValidator(t, env, cli)

	assert.NoError(t, v.Validate("/usr/local/bin/codex"), "well-known location")
	assert.NoError(t, v.Validate("/usr/local//bin/codex"), "cleaned match")
	assert.NoError(t, v.Validate("/srv/gemini/bin/gemini"), "environment override")
	assert.NoError(t, v.Validate("/home/dev/bin/codex"), "configured extra")
	assert.NoError(t, v.Validate("codex"), "bare name resolving to an allowlisted path")

	err := v.Validate("gemini")
	assert.True(t, apperrors.IsKind(err, apperrors.KindSecurity), "bare name resolving outside the allowlist")

	assert.Error(t, v.Validate("python"), "bare name not in the allowlist")
	assert.Error(t, v.Validate("bin/codex"), "relative path")
	assert.Error(t, v.Validate("/usr/local/bin/../../../tmp/codex"), "parent traversal")
	assert.Error(t, v.Validate(""))
}

func TestValidateCachesVerdict(t *testing.T) {
	calls := 0
	env := fakeEnv(nil, nil, map[string]string{"codex": "/usr/bin/codex"})
	lookPath := env.LookPath
	env.LookPath = func(file string) (string, error) {
		calls++
		return lookPath(file)
	}
	v, logs := newValidator(t, env, testCLIConfig())
	before := calls

	require.NoError(t, v.Validate("codex"))
	require.NoError(t, v.Validate("codex"))
	assert.Equal(t, 1, calls-before)
	assert.Equal(t, 1, logs.FilterField(zap.String("event", EventPathValidated)).Len())
}

func TestResolveAndValidate(t *testing.T) {
	env := fakeEnv([]string{"/usr/bin/codex"}, nil, nil)
	v, _ := newValidator(t, env, testCLIConfig())

	res, err := v.ResolveAndValidate("codex", "")
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/codex", res.Path)

	_, err = v.ResolveAndValidate("codex", "/tmp/codex")
	assert.True(t, apperrors.IsKind(err, apperrors.KindSecurity))

	_, err = v.ResolveAndValidate("gemini", "")
	assert.True(t, apperrors.IsKind(err, apperrors.KindSecurity), "unresolved bare fallback is not on PATH")
}

func TestValidateRejectsSymlinkToUnlistedTarget(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	payload := filepath.Join(dir, "payload")
	require.NoError(t, os.WriteFile(payload, []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "bin"), 0o755))
	link := filepath.Join(dir, "bin", "codex")
	require.NoError(t, os.Symlink(payload, link))
	plain := filepath.Join(dir, "bin", "gemini")
	require.NoError(t, os.WriteFile(plain, []byte("#!/bin/sh\n"), 0o755))

	cli := testCLIConfig()
	cli.Allowlist = []string{link, plain}
	v, logs := newValidator(t, SystemEnvironment(), cli)

	err = v.Validate(link)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindSecurity))
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, payload, appErr.Details["resolved"])
	assert.Equal(t, 1, logs.FilterField(zap.String("event", EventPathRejected)).Len())

	assert.NoError(t, v.Validate(plain), "regular allowlisted file")

	cli.Allowlist = append(cli.Allowlist, payload)
	v, _ = newValidator(t, SystemEnvironment(), cli)
	assert.NoError(t, v.Validate(link), "link whose target is itself allowlisted")
}

func TestValidateBareNameFollowsSymlinks(t *testing.T) {
	env := fakeEnv(nil, nil, map[string]string{"codex": "/usr/local/bin/codex"})
	env.EvalSymlinks = func(path string) (string, error) {
		if path == "/usr/local/bin/codex" {
			return "/tmp/payload", nil
		}
		return path, nil
	}
	v, _ := newValidator(t, env, testCLIConfig())

	err := v.Validate("codex")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindSecurity))
	assert.Contains(t, err.Error(), "/tmp/payload")

	env.EvalSymlinks = func(string) (string, error) { return "", fs.ErrPermission }
	v, _ = newValidator(t, env, testCLIConfig())
	assert.Error(t, v.Validate("/usr/local/bin/codex"), "unresolvable target fails closed")

	env.EvalSymlinks = func(string) (string, error) { return "", fs.ErrNotExist }
	v, _ = newValidator(t, env, testCLIConfig())
	assert.NoError(t, v.Validate("/usr/local/bin/codex"), "missing file has nothing to follow")
}
