package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/jrsteele09/go-identity-server/internal/logging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, logging.ParseLevel("DEBUG"))
	require.Equal(t, zerolog.WarnLevel, logging.ParseLevel(" warn "))
	require.Equal(t, zerolog.InfoLevel, logging.ParseLevel("loud"))
	require.Equal(t, zerolog.InfoLevel, logging.ParseLevel(""))
}

func TestNewWritesJSONOutsideDev(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New("PROD", "info", "identity", &buf)

	logger.Debug().Msg("hidden")
	logger.Info().Str("user_id", "u1").Msg("visible")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "visible", line["message"])
	require.Equal(t, "identity", line["service"])
	require.Equal(t, "u1", line["user_id"])
}
