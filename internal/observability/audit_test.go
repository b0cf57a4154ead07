package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger_Record(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLogger(&buf)

	a.Record(context.Background(), AuditEvent{
		Type:     "session",
		Actor:    "telegram:42",
		Action:   "inactivity_warning",
		Status:   "success",
		Metadata: map[string]interface{}{"stage": "warning"},
	})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "session", line["type"])
	assert.Equal(t, "telegram:42", line["actor"])
	assert.Equal(t, "inactivity_warning", line["action"])
	assert.Equal(t, "success", line["status"])
	assert.Equal(t, map[string]interface{}{"stage": "warning"}, line["metadata"])
	assert.Contains(t, line, "time")
}

func TestInitAuditLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, InitAuditLogger(path))
	t.Cleanup(func() {
		auditMu.Lock()
		prev := auditInst
		auditInst = NewAuditLogger(io.Discard)
		auditMu.Unlock()
		_ = prev.Close()
	})

	RecordSessionAudit(context.Background(), "session_closed", "gateway:abc", "success", nil)
	RecordSecurityAudit(context.Background(), "gateway_auth", "10.0.0.1", "failure", nil)
	RecordConfigAudit(context.Background(), "configure", "cli", nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"action":"session_closed"`)
	assert.Contains(t, lines[1], `"type":"security"`)
	assert.Contains(t, lines[2], `"type":"config"`)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestAuditLogger_CloseTwice(t *testing.T) {
	a := NewAuditLogger(&bytes.Buffer{})
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}
