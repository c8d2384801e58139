package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupRenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("otcd", "test", Options{Level: "debug", Output: &buf})
	logger.Debug("deal resolved", slog.Uint64("deal_id", 7))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "deal resolved", line["message"])
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "otcd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Contains(t, line, "timestamp")
}

func TestSetupWritesRotatedFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "otcd.log")
	logger := Setup("otcd", "", Options{Output: &buf, File: path})
	logger.Info("hello")
	logger.Debug("dropped below level")

	require.Contains(t, buf.String(), "hello")
	require.NotContains(t, buf.String(), "dropped below level")
	require.FileExists(t, path)
}

func TestRedaction(t *testing.T) {
	require.Equal(t, RedactedValue, Redact("detail", "IBAN DE00"))
	require.Equal(t, "resolve", Redact("state", "resolve"))
	require.Equal(t, "7", Redact("dealId", "7"))
	require.Equal(t, "", Redact("detail", ""))
	require.Equal(t, RedactedValue+"6789", MaskPaymentDetail("VCB 0123456789"))
	require.Equal(t, RedactedValue, MaskPaymentDetail("123"))
	require.Equal(t, "", MaskPaymentDetail("  "))
	require.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
}

func TestDetailsGroupIsSortedAndRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("otcd", "test", Options{Output: &buf})
	logger.Info("command applied", Details(map[string]string{
		"method": "bank",
		"detail": "VCB 0123456789",
		"amount": "100",
	}))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	group, ok := line["details"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "bank", group["method"])
	require.Equal(t, "100", group["amount"])
	require.Equal(t, RedactedValue, group["detail"])
}
