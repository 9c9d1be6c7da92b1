package main

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
    "flag"
    "fmt"
    "os"
    "os/signal"
    "syscall"

    "github.com/PelionIoT/memberdb/node"
    . "github.com/PelionIoT/memberdb/shared"
)

var configFile *string

func init() {
    configFile = flag.String("conf", "", "Config file to use in the server")
}

func main() {
    flag.Parse()

    var gc YAMLGossipConfig

    err := gc.LoadFromFile(*configFile)

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
