package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apiclient "github.com/Eliobros/mozhost-mz/pkg/api/client"
)

func TestParseEnvVars(t *testing.T) {
	vars, err := parseEnvVars([]string{"PORT=3000", "DSN=postgres://u:p@h/db?sslmode=disable", "EMPTY="})
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"PORT":  "3000",
		"DSN":   "postgres://u:p@h/db?sslmode=disable",
		"EMPTY": "",
	}, vars)

	vars, err = parseEnvVars(nil)
	require.NoError(t, err)
	require.Nil(t, vars)

	for _, bad := range []string{"NOVALUE", "=value", " =x"} {
		_, err := parseEnvVars([]string{bad})
		require.Error(t, err, bad)
	}
}

func TestHumanBytes(t *testing.T) {
	cases := map[uint64]string{
		0:                      "0 B",
		1023:                   "1023 B",
		1024:                   "1.0 KiB",
		1536:                   "1.5 KiB",
		512 * 1024 * 1024:      "512.0 MiB",
		3 * 1024 * 1024 * 1024: "3.0 GiB",
	}
	for in, want := range cases {
		require.Equal(t, want, humanBytes(in), "humanBytes(%d)", in)
	}
}

func TestEnvironmentRows(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := environmentRows([]apiclient.Environment{
		{ID: "env-1", Name: "api", Kind: "nodejs", Status: "stopped", HostPort: 10001, Domain: "api.mozhost.local", CreatedAt: created},
		{ID: "env-2", Name: "bot", Kind: "python", Status: "stopped"},
	})
	require.Len(t, rows, 2)
	require.Len(t, rows[0], len(environmentHeaders))
	require.Equal(t, "env-1", rows[0][0])
	require.Equal(t, "10001", rows[0][4])
	require.Equal(t, created.Local().Format("2006-01-02 15:04"), rows[0][6])
	require.Equal(t, "-", rows[1][4])
	require.Equal(t, "-", rows[1][6])
}
