/*
Copyright 2025 The llm-d-request-scheduler Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package common

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

const (
	defaultPort = 8000

	// Scheduling policy names
	PolicyFCFS      = "fcfs"
	PolicyLPM       = "lpm"
	PolicyLOF       = "lof"
	PolicyRandom    = "random"
	PolicyDFSWeight = "dfs-weight"
)

// ValidPolicies lists the accepted values for the --policy parameter.
var ValidPolicies = []string{PolicyFCFS, PolicyLPM, PolicyLOF, PolicyRandom, PolicyDFSWeight}

type Configuration struct {
	// Port defines on which port the scheduler's observability server runs
	Port int `yaml:"port" json:"port"`
	// SchedulePolicy defines the ordering of the waiting queue, valid values:
	// fcfs, lpm, lof, random, dfs-weight
	SchedulePolicy string `yaml:"policy" json:"policy"`

	// MaxTotalTokens is the global KV-memory budget in token units, i.e. the
	// total number of tokens (cached prefixes plus planned generation) that may
	// be resident at the same time
	MaxTotalTokens int `yaml:"max-total-tokens" json:"max-total-tokens"`
	// MaxPrefillTokens is the per-step input-processing budget, the maximum
	// number of uncached input tokens prefilled in a single scheduling tick
	MaxPrefillTokens int `yaml:"max-prefill-tokens" json:"max-prefill-tokens"`
	// ChunkedPrefillSize caps the number of input tokens processed for a single
	// request in one tick; the remainder is carried to following ticks as an
	// inflight chunked prefill. -1 disables chunking.
	ChunkedPrefillSize int `yaml:"chunked-prefill-size" json:"chunked-prefill-size"`
	// ClipMaxNewTokens bounds the per-request generation-length estimate used
	// by budget accounting. It does not change when a request actually stops
	// generating, it only keeps the scheduler from being over-conservative for
	// requests with a very large requested generation length.
	ClipMaxNewTokens int `yaml:"clip-max-new-tokens" json:"clip-max-new-tokens"`
	// NewTokenRatio scales the per-running-request generation reservation in
	// mixed prefill/decode steps
	NewTokenRatio float64 `yaml:"new-token-ratio" json:"new-token-ratio"`
	// ScheduleInterval is the pause between scheduling ticks, in milliseconds
	ScheduleInterval int `yaml:"schedule-interval" json:"schedule-interval"`

	// DisableRadixCache turns prefix caching off; prefix-aware policies
	// silently degrade to fcfs
	DisableRadixCache bool `yaml:"disable-radix-cache" json:"disable-radix-cache"`
	// KVCacheSize is the radix cache capacity in tokens
	KVCacheSize int `yaml:"kv-cache-size" json:"kv-cache-size"`

	// Seed defines random seed for operations
	Seed int64 `yaml:"seed" json:"seed"`

	// ZMQEndpoint is the ZMQ address to publish scheduling events, empty
	// disables publishing
	ZMQEndpoint string `yaml:"zmq-endpoint" json:"zmq-endpoint"`
	// ZMQMaxConnectAttempts defines the maximum number (10) of retries when ZMQ connection fails
	ZMQMaxConnectAttempts uint `yaml:"zmq-max-connect-attempts" json:"zmq-max-connect-attempts"`
	// EventBatchSize is the maximum number of scheduling events to be sent together, defaults to 16
	EventBatchSize int `yaml:"event-batch-size" json:"event-batch-size"`
}

func newConfig() *Configuration {
	return &Configuration{
		Port:               defaultPort,
		SchedulePolicy:     PolicyLPM,
		MaxTotalTokens:     65536,
		MaxPrefillTokens:   16384,
		ChunkedPrefillSize: -1,
		ClipMaxNewTokens:   4096,
		NewTokenRatio:      1.0,
		ScheduleInterval:   10,
		KVCacheSize:        1 << 20,
		Seed:               time.Now().UnixNano(),
		EventBatchSize:     16,
	}
}

func (c *Configuration) load(configFile string) error {
	configBytes, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %s", err)
	}

	if err := yaml.Unmarshal(configBytes, &c); err != nil {
		return fmt.Errorf("failed to unmarshal configuration: %s", err)
	}

	return nil
}

func (c *Configuration) validate() error {
	validPolicy := false
	for _, policy := range ValidPolicies {
		if c.SchedulePolicy == policy {
			validPolicy = true
			break
		}
	}
	if !validPolicy {
		return fmt.Errorf("invalid policy '%s', valid values are: %s",
			c.SchedulePolicy, strings.Join(ValidPolicies, ", "))
	}

	if c.Port <= 0 {
		return fmt.Errorf("invalid port '%d'", c.Port)
	}
	if c.MaxTotalTokens < 1 {
		return errors.New("max total tokens cannot be less than 1")
	}
	if c.MaxPrefillTokens < 1 {
		return errors.New("max prefill tokens cannot be less than 1")
	}
	if c.ChunkedPrefillSize == 0 || c.ChunkedPrefillSize < -1 {
		return errors.New("chunked prefill size must be positive or -1 (disabled)")
	}
	if c.ClipMaxNewTokens < 1 {
		return errors.New("clip max new tokens cannot be less than 1")
	}
	if c.NewTokenRatio <= 0 {
		return errors.New("new token ratio must be positive")
	}
	if c.ScheduleInterval < 1 {
		return errors.New("schedule interval cannot be less than 1 millisecond")
	}
	if c.KVCacheSize < 1 {
		return errors.New("KV cache size cannot be less than 1")
	}
	if c.EventBatchSize < 1 {
		return errors.New("event batch size cannot be less than 1")
	}
	if c.ZMQMaxConnectAttempts > 10 {
		return errors.New("zmq retries times cannot be more than 10")
	}

	return nil
}

// ParseCommandParamsAndLoadConfig loads configuration, parses command line parameters, merges the values
// (command line values overwrite the config file ones), and validates the configuration
func ParseCommandParamsAndLoadConfig() (*Configuration, error) {
	config := newConfig()

	configFileValues := getParamValueFromArgs("config")
	if len(configFileValues) == 1 {
		if err := config.load(configFileValues[0]); err != nil {
			return nil, err
		}
	}

	f := pflag.NewFlagSet("llm-d-request-scheduler flags", pflag.ContinueOnError)

	f.IntVar(&config.Port, "port", config.Port, "Port of the observability server")
	f.StringVar(&config.SchedulePolicy, "policy", config.SchedulePolicy,
		"Waiting queue ordering policy, one of: "+strings.Join(ValidPolicies, ", "))
	f.IntVar(&config.MaxTotalTokens, "max-total-tokens", config.MaxTotalTokens, "Global KV-memory budget in tokens")
	f.IntVar(&config.MaxPrefillTokens, "max-prefill-tokens", config.MaxPrefillTokens, "Per-tick input-processing budget in tokens")
	f.IntVar(&config.ChunkedPrefillSize, "chunked-prefill-size", config.ChunkedPrefillSize, "Maximum input tokens per chunked-prefill slice, -1 disables chunking")
	f.IntVar(&config.ClipMaxNewTokens, "clip-max-new-tokens", config.ClipMaxNewTokens, "Clipping bound for the generation-length estimate used in budget accounting")
	f.Float64Var(&config.NewTokenRatio, "new-token-ratio", config.NewTokenRatio, "Scaling factor for generation reservations of running requests")
	f.IntVar(&config.ScheduleInterval, "schedule-interval", config.ScheduleInterval, "Pause between scheduling ticks (in milliseconds)")
	f.BoolVar(&config.DisableRadixCache, "disable-radix-cache", config.DisableRadixCache, "Disable prefix caching")
	f.IntVar(&config.KVCacheSize, "kv-cache-size", config.KVCacheSize, "Radix cache capacity in tokens")
	f.Int64Var(&config.Seed, "seed", config.Seed, "Random seed for operations (if not set, current Unix time in nanoseconds is used)")
	f.StringVar(&config.ZMQEndpoint, "zmq-endpoint", config.ZMQEndpoint, "ZMQ address to publish scheduling events")
	f.UintVar(&config.ZMQMaxConnectAttempts, "zmq-max-connect-attempts", config.ZMQMaxConnectAttempts, "Maximum number of times to try ZMQ connect")
	f.IntVar(&config.EventBatchSize, "event-batch-size", config.EventBatchSize, "Maximum number of scheduling events to be sent together")

	// This value was manually parsed above in getParamValueFromArgs, we leave this in order to get the flag in --help
	var dummyString string
	f.StringVar(&dummyString, "config", "", "The path to a yaml configuration file. The command line values overwrite the configuration file values")

	flagSet := flag.NewFlagSet("schedulerFlagSet", flag.ExitOnError)
	klog.InitFlags(flagSet)
	f.AddGoFlagSet(flagSet)

	if err := f.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			// --help - exit without printing an error message
			os.Exit(0)
		}
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func getParamValueFromArgs(param string) []string {
	var values []string
	var readValues bool
	for _, arg := range os.Args[1:] {
		if readValues {
			if strings.HasPrefix(arg, "--") {
				break
			}
			if arg != "" {
				values = append(values, arg)
			}
		} else {
			if arg == "--"+param {
				readValues = true
				values = make([]string, 0)
			} else if strings.HasPrefix(arg, "--"+param+"=") {
				// Handle --param=value
				values = append(values, strings.TrimPrefix(arg, "--"+param+"="))
				break
			}
		}
	}
	return values
}
