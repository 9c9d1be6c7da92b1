package main

import (
    "fmt"
    "os"
    "os/signal"
    "syscall"

    "github.com/PelionIoT/memberdb/node"
    . "github.com/PelionIoT/memberdb/shared"
)

func init() {
    registerCommand("start", startNode, startUsage)
}

var startUsage string =
`Usage: memberdb start -conf=[config file]
`

func startNode() {
    var gc YAMLGossipConfig

    err := gc.LoadFromFile(*optConfigFile)

    if err != nil {
        fmt.Printf("Unable to load config file: %s\n", err.Error())

        return
    }

    memberNode := node.New(gc)

    if err := memberNode.Start(); err != nil {
        fmt.Printf("Unable to start node: %s\n", err.Error())

        return
    }

    stop := make(chan os.Signal, 1)
    signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
    <-stop

    memberNode.Stop()
}
