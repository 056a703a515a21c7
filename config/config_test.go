package config_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mochi-udp/tracker/config"
)

func TestDecodeAppliesDefaults(t *testing.T) {
	yamlDoc := `
tracker:
  udp:
    addr: "0.0.0.0:6969"
  access_list:
    mode: "off"
`
	cfg, err := config.Decode(strings.NewReader(yamlDoc))
	require.NoError(t, err)

	require.Equal(t, 4, cfg.SwarmWorkers)
	require.Equal(t, 1024, cfg.WorkerChannelSize)
	require.Equal(t, "0.0.0.0:6969", cfg.UDP.Addr)
}

func TestBuildAccessListRejectsUnknownMode(t *testing.T) {
	cfg := config.Config{AccessList: config.AccessListConfig{Mode: "bogus"}}
	_, err := cfg.BuildAccessList()
	require.Error(t, err)
}

func TestBuildAccessListAllowsKnownMode(t *testing.T) {
	cfg := config.Config{AccessList: config.AccessListConfig{
		Mode:       "allow",
		InfoHashes: []string{"1111111111111111111111111111111111111111"},
	}}
	list, err := cfg.BuildAccessList()
	require.NoError(t, err)
	require.Equal(t, "allow", list.Mode().String())
}
