package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConfigureJSON(t *testing.T) {
	out := &syncBuffer{}
	SetOutput(out)
	defer SetOutput(os.Stderr)
	require.NoError(t, Configure("debug", "json"))
	defer func() { _ = Configure("info", "text") }()

	Logf("[listen] channel=%s port=%d", "main", 8080)
	Debugf("[relay][debug] hello")
	Flush()

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "[listen] channel=main port=8080", first["msg"])
	assert.Equal(t, "info", first["level"])
	assert.Equal(t, GetInstanceID(), first["instance"])
	assert.True(t, IsDebug())
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	out := &syncBuffer{}
	SetOutput(out)
	defer SetOutput(os.Stderr)
	require.NoError(t, Configure("info", "text"))

	Debugf("hidden")
	Log("visible")
	Flush()

	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), "visible")
	assert.False(t, IsDebug())
}

func TestConfigureRejectsUnknown(t *testing.T) {
	assert.Error(t, Configure("loud", "text"))
	assert.Error(t, Configure("info", "xml"))
	require.NoError(t, Configure("info", "text"))
}
