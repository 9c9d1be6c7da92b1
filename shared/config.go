package shared

//
// Copyright (c) 2019 ARM Limited.
//
// SPDX-License-Identifier: MIT
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to
// deal in the Software without restriction, including without limitation the
// rights to use, copy, modify, merge, publish, distribute, sublicense, and/or
// sell copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//

import (
    "errors"
    "fmt"
    "io/ioutil"
    "net"

    "gopkg.in/yaml.v2"

    . "github.com/PelionIoT/memberdb/logging"
)

type YAMLGossipConfig struct {
    DBFile string `yaml:"db"`
    Host string `yaml:"host"`
    Port int `yaml:"port"`
    AdminPort int `yaml:"adminPort"`
    ClusterName string `yaml:"clusterName"`
    PartitionerName string `yaml:"partitionerName"`
    Seeds []string `yaml:"seeds"`
    SeedDiscovery *YAMLSeedDiscovery `yaml:"seedDiscovery"`
    RingDelayMs uint32 `yaml:"ringDelayMs"`
    FailureDetectorTimeoutMs uint32 `yaml:"failureDetectorTimeoutMs"`
    ShadowRoundMs uint32 `yaml:"shadowRoundMs"`
    ShutdownAnnounceMs uint32 `yaml:"shutdownAnnounceMs"`
    SkipWaitForGossipToSettle int `yaml:"skipWaitForGossipToSettle"`
    ForceGossipGeneration int32 `yaml:"forceGossipGeneration"`
    AdvertiseMyself *bool `yaml:"advertiseMyself"`
    LogLevel string `yaml:"logLevel"`
}

type YAMLSeedDiscovery struct {
    Endpoints []string `yaml:"endpoints"`
    Prefix string `yaml:"prefix"`
}

const (
    DefaultRingDelayMs uint32 = 30000
    DefaultFailureDetectorTimeoutMs uint32 = 20000
    DefaultShadowRoundMs uint32 = 300000
    DefaultShutdownAnnounceMs uint32 = 2000
)

func (ygc *YAMLGossipConfig) LoadFromFile(file string) error {
    rawConfig, err := ioutil.ReadFile(file)

    if err != nil {
        return err
    }

    err = yaml.Unmarshal(rawConfig, ygc)

    if err != nil {
        return err
    }

    return ygc.Validate()
}

func (ygc *YAMLGossipConfig) Validate() error {
    if len(ygc.DBFile) == 0 {
        return errors.New("No db file specified")
    }

    if !isValidPort(ygc.Port) {
        return errors.New(fmt.Sprintf("%d is an invalid port for the gossip server", ygc.Port))
    }

    if ygc.AdminPort != 0 && !isValidPort(ygc.AdminPort) {
        return errors.New(fmt.Sprintf("%d is an invalid port for the admin server", ygc.AdminPort))
    }

    if len(ygc.ClusterName) == 0 {
        return errors.New("The cluster name is empty")
    }

    for _, seed := range ygc.Seeds {
        if _, _, err := net.SplitHostPort(seed); err != nil {
            return errors.New(fmt.Sprintf("%s is not a valid seed address: %v", seed, err))
        }
    }

    if ygc.SeedDiscovery != nil {
        if len(ygc.SeedDiscovery.Endpoints) == 0 {
            return errors.New("Seed discovery was enabled but no discovery endpoints were given")
        }

        if len(ygc.SeedDiscovery.Prefix) == 0 {
            return errors.New("Seed discovery was enabled but the discovery prefix is empty")
        }
    }

    if ygc.RingDelayMs == 0 {
        ygc.RingDelayMs = DefaultRingDelayMs
    }

    if ygc.FailureDetectorTimeoutMs == 0 {
        ygc.FailureDetectorTimeoutMs = DefaultFailureDetectorTimeoutMs
    }

    if ygc.ShadowRoundMs == 0 {
        ygc.ShadowRoundMs = DefaultShadowRoundMs
    }

    if ygc.ShutdownAnnounceMs == 0 {
        ygc.ShutdownAnnounceMs = DefaultShutdownAnnounceMs
    }

    if len(ygc.LogLevel) != 0 && !LogLevelIsValid(ygc.LogLevel) {
        return errors.New(fmt.Sprintf("%s is not a valid log level", ygc.LogLevel))
    }

    if len(ygc.LogLevel) != 0 {
        SetLoggingLevel(ygc.LogLevel)
    }

    return nil
}

// ShouldAdvertise defaults to true when the option is not present in the
// config file.
func (ygc *YAMLGossipConfig) ShouldAdvertise() bool {
    if ygc.AdvertiseMyself == nil {
        return true
    }

    return *ygc.AdvertiseMyself
}

func isValidPort(p int) bool {
    return p > 0 && p < (1 << 16)
}
