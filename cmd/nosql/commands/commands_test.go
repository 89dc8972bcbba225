package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/moolen/nosql/internal/config"
	"github.com/moolen/nosql/internal/connection"
	"github.com/moolen/nosql/internal/connection/connectiontest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevelFlags(t *testing.T) {
	env := []string{"PATH=/bin", "LOG_LEVEL_CONNECTION_SERVICE=debug", "LOG_LEVEL_CONSUL=warn"}

	level, pkgs, err := parseLogLevelFlags([]string{"info", "consul=error"}, env)
	require.NoError(t, err)
	assert.Equal(t, "info", level)
	assert.Equal(t, map[string]string{"connection.service": "debug", "consul": "error"}, pkgs)

	level, _, err = parseLogLevelFlags([]string{"default=debug"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "debug", level)

	_, _, err = parseLogLevelFlags([]string{"loud"}, nil)
	assert.Error(t, err)

	_, _, err = parseLogLevelFlags(nil, []string{"LOG_LEVEL_SUBSYSTEM=chatty"})
	assert.ErrorContains(t, err, "subsystem")
}

func TestConvertEnvKeyToPackageName(t *testing.T) {
	assert.Equal(t, "connection.service", convertEnvKeyToPackageName("LOG_LEVEL_CONNECTION_SERVICE"))
	assert.Equal(t, "apiserver", convertEnvKeyToPackageName("LOG_LEVEL_APISERVER"))
}

func TestExampleProfilesAreValid(t *testing.T) {
	profiles := exampleProfiles()
	require.NoError(t, profiles.Validate())
	assert.NoError(t, checkDrivers(profiles, connection.DefaultDrivers()))
}

func TestCheckDrivers(t *testing.T) {
	fake := connectiontest.NewDriver("mongo")
	fake.Version = "1.2.0"
	drivers := fake.Registry()

	profiles := &config.ProfilesFile{SchemaVersion: "v1", Profiles: []config.Profile{{ID: "a", Type: "mongo"}}}
	assert.NoError(t, checkDrivers(profiles, drivers))

	profiles.MinDriverVersion = "1.3"
	assert.ErrorContains(t, checkDrivers(profiles, drivers), "min_driver_version")

	profiles.MinDriverVersion = ""
	profiles.Profiles = append(profiles.Profiles, config.Profile{ID: "b", Type: "couchdb"})
	assert.ErrorIs(t, checkDrivers(profiles, drivers), connection.ErrDriverUnavailable)
}

func TestInitThenValidate(t *testing.T) {
	out := filepath.Join(t.TempDir(), "profiles.yaml")
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	defer rootCmd.SetOut(nil)

	rootCmd.SetArgs([]string{"init", "--out", out})
	require.NoError(t, rootCmd.Execute())
	_, err := os.Stat(out)
	require.NoError(t, err)

	rootCmd.SetArgs([]string{"init", "--out", out})
	assert.Error(t, rootCmd.Execute(), "refuses to overwrite")

	buf.Reset()
	rootCmd.SetArgs([]string{"validate", "--config", out})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), "OK (5 profiles, 5 enabled)")
}

func TestDriversCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	defer rootCmd.SetOut(nil)

	rootCmd.SetArgs([]string{"drivers"})
	require.NoError(t, rootCmd.Execute())
	for _, backend := range []string{"cassandra", "mongo", "neo4j", "orientdb", "falkordb"} {
		assert.Contains(t, buf.String(), backend)
	}
}
