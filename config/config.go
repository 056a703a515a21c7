// Package config aggregates every subsystem's configuration under one
// YAML document, namespaced the way the teacher's root config.go
// namespaces everything under a "chihaya" key. Unlike the teacher's
// Config, this one composes each subsystem's own Config type (with its
// own Validate) instead of redeclaring their fields here.
package config

import (
	"io"
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mochi-udp/tracker/accesslist"
	udpfrontend "github.com/mochi-udp/tracker/frontend/udp"
	"github.com/mochi-udp/tracker/swarm"
)

// AccessListConfig describes the initial access list loaded at startup.
// Mode follows accesslist.ParseMode's spellings ("off", "allow", "deny").
type AccessListConfig struct {
	Mode       string   `yaml:"mode"`
	InfoHashes []string `yaml:"info_hashes"`
}

// StatisticsConfig configures the periodic statistics reporter.
type StatisticsConfig struct {
	Interval time.Duration `yaml:"interval"`
}

const defaultStatisticsInterval = 1 * time.Minute

func (cfg StatisticsConfig) Validate() StatisticsConfig {
	valid := cfg
	if valid.Interval <= 0 {
		valid.Interval = defaultStatisticsInterval
	}
	return valid
}

// Config is the tracker process's full configuration.
type Config struct {
	SwarmWorkers      int    `yaml:"swarm_workers"`
	WorkerChannelSize int    `yaml:"worker_channel_size"`
	PrometheusAddr    string `yaml:"prometheus_addr"`

	UDP        udpfrontend.Config `yaml:"udp"`
	AccessList AccessListConfig   `yaml:"access_list"`
	Swarm      swarm.Config       `yaml:"swarm"`
	Statistics StatisticsConfig   `yaml:"statistics"`
}

const (
	defaultSwarmWorkers      = 4
	defaultWorkerChannelSize = 1024
)

// Validate substitutes defaults the same way each subsystem's own
// Validate does, then validates every subsystem in turn.
func (cfg Config) Validate() Config {
	valid := cfg

	if valid.SwarmWorkers <= 0 {
		valid.SwarmWorkers = defaultSwarmWorkers
	}
	if valid.WorkerChannelSize <= 0 {
		valid.WorkerChannelSize = defaultWorkerChannelSize
	}

	valid.UDP = valid.UDP.Validate()
	valid.Swarm = valid.Swarm.Validate()
	valid.Statistics = valid.Statistics.Validate()

	return valid
}

// BuildAccessList constructs the List described by cfg.AccessList.
func (cfg Config) BuildAccessList() (*accesslist.List, error) {
	mode, err := accesslist.ParseMode(cfg.AccessList.Mode)
	if err != nil {
		return nil, err
	}
	return accesslist.New(mode, cfg.AccessList.InfoHashes)
}

// File is the root of the YAML document, namespacing the tracker's
// configuration under "tracker" the way the teacher namespaces it under
// "chihaya".
type File struct {
	Tracker Config `yaml:"tracker"`
}

// Decode unmarshals r into a validated Config.
func Decode(r io.Reader) (*Config, error) {
	contents, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(contents, &f); err != nil {
		return nil, err
	}

	valid := f.Tracker.Validate()
	return &valid, nil
}

// Open reads and decodes the YAML configuration file at path, expanding
// environment variables the same way the teacher's OpenConfigFile does.
func Open(path string) (*Config, error) {
	f, err := os.Open(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Decode(f)
}
