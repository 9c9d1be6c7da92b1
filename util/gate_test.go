package util_test

import (
    "time"

    . "github.com/PelionIoT/memberdb/util"

    . "github.com/onsi/ginkgo"
    . "github.com/onsi/gomega"
)

var _ = Describe("Gate", func() {
    Describe("#Enter", func() {
        Context("When the gate is open", func() {
            It("Should admit the task", func() {
                var gate Gate

                Expect(gate.Enter()).Should(BeNil())
                gate.Leave()
            })
        })

        Context("When the gate has been closed", func() {
            It("Should refuse the task", func() {
                var gate Gate

                gate.Close()
                Expect(gate.Enter()).Should(Equal(EGateClosed))
            })
        })
    })

    Describe("#Close", func() {
        Context("When tasks are still pending", func() {
            It("Should block until every task has called Leave", func() {
                var gate Gate

                Expect(gate.Enter()).Should(BeNil())
                Expect(gate.Enter()).Should(BeNil())

                closed := make(chan int)

                go func() {
                    gate.Close()
                    closed <- 1
                }()

                select {
                case <-closed:
                    Fail("Close should have remained blocked")
                case <-time.After(time.Millisecond * 100):
                }

                gate.Leave()

                select {
                case <-closed:
                    Fail("Close should have remained blocked")
                case <-time.After(time.Millisecond * 100):
                }

                gate.Leave()

                select {
                case <-closed:
                case <-time.After(time.Second):
                    Fail("Close should have returned")
                }
            })
        })

        Context("When no task is pending", func() {
            It("Should not block", func() {
                var gate Gate

                closed := make(chan int)

                go func() {
                    gate.Close()
                    closed <- 1
                }()

                select {
                case <-closed:
                case <-time.After(time.Second):
                    Fail("Close should have returned")
                }

                Expect(gate.IsClosed()).Should(BeTrue())
            })
        })
    })
})
