package shared_test

import (
    "io/ioutil"
    "os"
    "path/filepath"

    . "github.com/PelionIoT/memberdb/shared"

    . "github.com/onsi/ginkgo"
    . "github.com/onsi/gomega"
)

func writeConfig(contents string) string {
    dir, err := ioutil.TempDir("", "memberdb-config-")
    Expect(err).Should(BeNil())

    file := filepath.Join(dir, "memberdb.yaml")
    Expect(ioutil.WriteFile(file, []byte(contents), 0644)).Should(BeNil())

    return file
}

var _ = Describe("Config", func() {
    Describe("#LoadFromFile", func() {
        Context("With a complete valid config", func() {
            It("Should parse every recognized option", func() {
                file := writeConfig(
`db: /tmp/memberdb-test
host: 10.0.0.1
port: 9090
adminPort: 9191
clusterName: test-cluster
partitionerName: murmur3
seeds:
  - 10.0.0.2:9090
  - 10.0.0.3:9090
ringDelayMs: 45000
failureDetectorTimeoutMs: 30000
shadowRoundMs: 60000
shutdownAnnounceMs: 1500
skipWaitForGossipToSettle: 5
forceGossipGeneration: 12345
advertiseMyself: false
`)
                defer os.RemoveAll(filepath.Dir(file))

                var config YAMLGossipConfig

                Expect(config.LoadFromFile(file)).Should(BeNil())
                Expect(config.DBFile).Should(Equal("/tmp/memberdb-test"))
                Expect(config.Host).Should(Equal("10.0.0.1"))
                Expect(config.Port).Should(Equal(9090))
                Expect(config.AdminPort).Should(Equal(9191))
                Expect(config.ClusterName).Should(Equal("test-cluster"))
                Expect(config.PartitionerName).Should(Equal("murmur3"))
                Expect(config.Seeds).Should(Equal([]string{ "10.0.0.2:9090", "10.0.0.3:9090" }))
                Expect(config.RingDelayMs).Should(Equal(uint32(45000)))
                Expect(config.FailureDetectorTimeoutMs).Should(Equal(uint32(30000)))
                Expect(config.ShadowRoundMs).Should(Equal(uint32(60000)))
                Expect(config.ShutdownAnnounceMs).Should(Equal(uint32(1500)))
                Expect(config.SkipWaitForGossipToSettle).Should(Equal(5))
                Expect(config.ForceGossipGeneration).Should(Equal(int32(12345)))
                Expect(config.ShouldAdvertise()).Should(BeFalse())
            })
        })

        Context("With a minimal config", func() {
            It("Should fill in the documented defaults", func() {
                file := writeConfig(
`db: /tmp/memberdb-test
port: 9090
clusterName: test-cluster
`)
                defer os.RemoveAll(filepath.Dir(file))

                var config YAMLGossipConfig

                Expect(config.LoadFromFile(file)).Should(BeNil())
                Expect(config.RingDelayMs).Should(Equal(DefaultRingDelayMs))
                Expect(config.FailureDetectorTimeoutMs).Should(Equal(DefaultFailureDetectorTimeoutMs))
                Expect(config.ShadowRoundMs).Should(Equal(DefaultShadowRoundMs))
                Expect(config.ShutdownAnnounceMs).Should(Equal(DefaultShutdownAnnounceMs))
                Expect(config.ShouldAdvertise()).Should(BeTrue())
            })
        })

        Context("When the cluster name is missing", func() {
            It("Should fail validation", func() {
                file := writeConfig(
`db: /tmp/memberdb-test
port: 9090
`)
                defer os.RemoveAll(filepath.Dir(file))

                var config YAMLGossipConfig

                Expect(config.LoadFromFile(file)).Should(Not(BeNil()))
            })
        })

        Context("When a seed is not a host:port pair", func() {
            It("Should fail validation", func() {
                file := writeConfig(
`db: /tmp/memberdb-test
port: 9090
clusterName: test-cluster
seeds:
  - not-an-address
`)
                defer os.RemoveAll(filepath.Dir(file))

                var config YAMLGossipConfig

                Expect(config.LoadFromFile(file)).Should(Not(BeNil()))
            })
        })

        Context("When seed discovery is enabled without endpoints", func() {
            It("Should fail validation", func() {
                file := writeConfig(
`db: /tmp/memberdb-test
port: 9090
clusterName: test-cluster
seedDiscovery:
  prefix: /memberdb/nodes/
`)
                defer os.RemoveAll(filepath.Dir(file))

                var config YAMLGossipConfig

                Expect(config.LoadFromFile(file)).Should(Not(BeNil()))
            })
        })
    })
})
