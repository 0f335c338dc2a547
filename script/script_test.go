package script

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteBootstrap(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter()
	p, err := w.WriteBootstrap(context.Background(), dir, Bootstrap{
		SessionID:  "s1",
		SessionURL: "http://127.0.0.1:4321/session/s1",
		PollWait:   2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, BootstrapName), p)

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, `var base = "http://127.0.0.1:4321/session/s1";`)
	assert.Contains(t, s, `post("/register", {sessionId: "s1"});`)
	assert.Contains(t, s, `/command?wait=2000`)
	assert.Contains(t, s, `"/usr/bin/curl", ["-s"].concat(args), 7)`)
}

func TestRenderEscapesValues(t *testing.T) {
	b, err := Render(Bootstrap{
		SessionID:  `it's "quoted"`,
		SessionURL: `http://127.0.0.1:1/session/x"y`,
	})
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, `{sessionId: "it\'s \"quoted\""}`)
	assert.Contains(t, s, `var base = "http://127.0.0.1:1/session/x\"y";`)
}

func TestRenderNeedsURL(t *testing.T) {
	_, err := Render(Bootstrap{SessionID: "s1"})
	assert.Error(t, err)
}

func TestWriteWarmUp(t *testing.T) {
	dir := t.TempDir()
	p, err := NewWriter().WriteWarmUp(context.Background(), dir)
	require.NoError(t, err)

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "UIALogger.logMessage('warming up');\n", string(b))
}

func TestWriteCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	p, err := NewWriter().WriteWarmUp(context.Background(), dir)
	require.NoError(t, err)
	assert.FileExists(t, p)
}
