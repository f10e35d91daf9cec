package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drdflow/internal/config"
	"drdflow/internal/engine"
)

func TestResolveProject(t *testing.T) {
	ctx := context.Background()
	ws, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer ws.Close()

	_, err = ws.ResolveProject(ctx, "")
	require.Error(t, err)

	id, err := ws.ResolveProject(ctx, " explicit ")
	require.NoError(t, err)
	assert.Equal(t, "explicit", id)

	_, err = ws.Engine.InitProject(ctx, engine.ProjectInput{ID: "only"}, "tester")
	require.NoError(t, err)
	id, err = ws.ResolveProject(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "only", id)

	_, err = ws.Engine.InitProject(ctx, engine.ProjectInput{ID: "second"}, "tester")
	require.NoError(t, err)
	_, err = ws.ResolveProject(ctx, "")
	assert.ErrorContains(t, err, "--project")
}

func TestOpenLoadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("from-yaml")), 0o644))
	ws, err := Open(dir, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NotNil(t, ws.Config)
	id, err := ws.ResolveProject(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "from-yaml", id)
}
