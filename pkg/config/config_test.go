package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"overseer/pkg/project"
	"overseer/pkg/proto"
)

func TestLoadWritesDefaultsOnFirstRun(t *testing.T) {
	Reset()
	home := t.TempDir()

	require.NoError(t, Load(home))
	t.Cleanup(Reset)

	cfg, err := Get()
	require.NoError(t, err)
	require.Equal(t, SchemaVersion, cfg.SchemaVersion)
	require.Equal(t, AllocFairShare, cfg.Global.Strategy)
	require.Empty(t, cfg.Projects)

	if _, err := os.Stat(filepath.Join(home, "config.json")); err != nil {
		t.Errorf("default config not written: %v", err)
	}
}

func TestRegisterProjectPersists(t *testing.T) {
	Reset()
	home := t.TempDir()
	require.NoError(t, Load(home))
	t.Cleanup(Reset)

	p := project.NewConfig("shop", "/srv/shop")
	require.NoError(t, RegisterProject(p))

	// Reload from disk, the project must survive.
	Reset()
	require.NoError(t, Load(home))
	cfg, err := Get()
	require.NoError(t, err)
	got, ok := cfg.Project("shop")
	require.True(t, ok)
	require.Equal(t, "/srv/shop", got.Path)

	// Re-registering replaces, not duplicates.
	p.Priority = proto.PriorityHigh
	require.NoError(t, RegisterProject(p))
	cfg, err = Get()
	require.NoError(t, err)
	require.Len(t, cfg.Projects, 1)
	require.Equal(t, proto.PriorityHigh, cfg.Projects[0].Priority)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cfg := Default()
	cfg.Global.MaxTotalAgents = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Global.Strategy = "round_robin"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Projects = []project.Config{
		project.NewConfig("shop", "/srv/shop"),
		project.NewConfig("shop", "/srv/other"),
	}
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Projects = []project.Config{project.NewConfig("Bad Name", "/srv/x")}
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Projects = []project.Config{project.NewConfig("rel", "relative/path")}
	require.Error(t, cfg.Validate())
}

func TestChildEnvRoundTrip(t *testing.T) {
	p := project.NewConfig("shop", "/srv/shop")
	p.Limits.MaxAgents = 2
	p.Limits.MaxMemoryMB = 1024
	p.Mode = proto.ModeBlocking
	p.Priority = proto.PriorityCritical

	for _, kv := range ChildEnv(p, true) {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				t.Setenv(kv[:i], kv[i+1:])
				break
			}
		}
	}

	got, present, err := ChildFromEnv()
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, "shop", got.Name)
	require.Equal(t, "/srv/shop", got.Path)
	require.Equal(t, 2, got.Limits.MaxAgents)
	require.Equal(t, 1024, got.Limits.MaxMemoryMB)
	require.Equal(t, proto.ModeBlocking, got.Mode)
	require.Equal(t, proto.PriorityCritical, got.Priority)
	require.True(t, MockAgentsFromEnv())
}

func TestChildFromEnvAbsent(t *testing.T) {
	t.Setenv(EnvProjectName, "")
	t.Setenv(EnvProjectPath, "")
	_, present, err := ChildFromEnv()
	require.NoError(t, err)
	require.False(t, present)
}
