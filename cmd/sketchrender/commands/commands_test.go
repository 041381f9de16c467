package commands

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/sketchrender/internal/config"
	rerrors "git.home.luguber.info/inful/sketchrender/internal/errors"
	"git.home.luguber.info/inful/sketchrender/internal/eventstore"
)

func parse(t *testing.T, args ...string) (*kong.Context, *CLI) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"}, kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	require.NoError(t, err)
	return ctx, &cli
}

func TestServeFlagsOverrideConfig(t *testing.T) {
	_, cli := parse(t, "serve", "--port", "4000", "--no-discovery", "-d", "/srv/sketch")

	cfg := config.Default()
	cli.Serve.apply(cfg)
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.False(t, cfg.Discovery.IsEnabled())
	assert.Equal(t, filepath.Join("/srv/sketch", "catalog"), cfg.Catalog.Dir)
	assert.Equal(t, filepath.Join("/srv/sketch", "events.db"), cfg.Events.DBPath)
}

func TestServeWithoutFlagsKeepsConfig(t *testing.T) {
	_, cli := parse(t, "serve")

	cfg := config.Default()
	cfg.Discovery.Enabled = config.Bool(false)
	cli.Serve.apply(cfg)
	assert.Equal(t, config.DefaultPort, cfg.Server.Port)
	assert.False(t, cfg.Discovery.IsEnabled())
}

func TestDiscoveryFlagsAreExclusive(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"})
	require.NoError(t, err)
	_, err = parser.Parse([]string{"serve", "--discovery", "--no-discovery"})
	assert.Error(t, err)
}

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sketchrender.yaml")
	var out bytes.Buffer
	require.NoError(t, RunInit(&out, path, false))
	assert.Contains(t, out.String(), "sketchrender serve -c "+path)
	_, err := config.Load(path)
	require.NoError(t, err)

	err = RunInit(io.Discard, path, false)
	assert.True(t, rerrors.IsCategory(err, rerrors.CategoryConfig))
	assert.NoError(t, RunInit(io.Discard, path, true))
}

func TestSubmitKeyFlag(t *testing.T) {
	key := filepath.Join(t.TempDir(), "identity.key")
	_, cli := parse(t, "submit", t.TempDir(), "--key", key)
	assert.Equal(t, key, cli.Submit.Key)

	_, cli = parse(t, "submit", t.TempDir())
	assert.True(t, filepath.IsAbs(cli.Submit.Key), "default key path is expanded: %s", cli.Submit.Key)
	assert.Equal(t, "identity.key", filepath.Base(cli.Submit.Key))
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	_, cli := parse(t, "-c", filepath.Join(t.TempDir(), "missing.yaml"), "init")
	cfg, fromFile, err := cli.loadConfig()
	require.NoError(t, err)
	assert.False(t, fromFile)
	assert.Equal(t, config.DefaultPort, cfg.Server.Port)
}

func TestPrintJob(t *testing.T) {
	db := filepath.Join(t.TempDir(), "events.db")
	store, err := eventstore.NewSQLiteStore(db)
	require.NoError(t, err)
	em := eventstore.NewEmitter(store, nil)
	ev, err := eventstore.NewJobAccepted("job-1", "abc", "127.0.0.1:1")
	require.NoError(t, err)
	require.NoError(t, em.Emit(t.Context(), ev))
	require.NoError(t, store.Close())

	var out bytes.Buffer
	require.NoError(t, PrintJob(t.Context(), &out, db, "job-1"))
	assert.Contains(t, out.String(), eventstore.TypeJobAccepted)
	assert.Contains(t, out.String(), `"identity": "abc"`)

	err = PrintJob(t.Context(), &out, db, "job-2")
	require.Error(t, err)
	assert.True(t, rerrors.IsCategory(err, rerrors.CategoryNotFound))
}

func TestNewLoggerHonoursFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, config.LoggingConfig{Level: config.LogLevelInfo, Format: config.LogFormatJSON}, false).Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	newLogger(&buf, config.LoggingConfig{Level: config.LogLevelError, Format: config.LogFormatText}, false).Info("quiet")
	assert.Empty(t, buf.String())
}
