package main

import (
    "encoding/json"
    "fmt"
    "io/ioutil"
    "net/http"
    "os"
    "sort"
    "strconv"

    "github.com/olekukonko/tablewriter"

    "github.com/PelionIoT/memberdb/routes"
)

func init() {
    registerCommand("status", clusterStatus, statusUsage)
}

var statusUsage string =
`Usage: memberdb status -admin=[host:port of a running node's admin API]
`

func clusterStatus() {
    resp, err := http.Get(fmt.Sprintf("http://%s/gossip/nodes", *optAdminAddress))

    if err != nil {
        fmt.Fprintf(os.Stderr, "Unable to reach the admin API at %s: %v\n", *optAdminAddress, err)

        return
    }

    defer resp.Body.Close()

    body, err := ioutil.ReadAll(resp.Body)

    if err != nil {
        fmt.Fprintf(os.Stderr, "Unable to read the admin API response: %v\n", err)

        return
    }

    if resp.StatusCode != http.StatusOK {
        fmt.Fprintf(os.Stderr, "The admin API returned status %d: %s\n", resp.StatusCode, string(body))

        return
    }

    var overview routes.ClusterOverview

    if err := json.Unmarshal(body, &overview); err != nil {
        fmt.Fprintf(os.Stderr, "Unable to parse the admin API response: %v\n", err)

        return
    }

    unreachable := make(map[string]bool, len(overview.UnreachableMembers))

    for _, endpoint := range overview.UnreachableMembers {
        unreachable[endpoint] = true
    }

    sort.Slice(overview.Nodes, func(i, j int) bool {
        return overview.Nodes[i].Address < overview.Nodes[j].Address
    })

    table := tablewriter.NewWriter(os.Stdout)
    table.SetHeader([]string{ "Address", "Status", "State", "Generation", "Heartbeat" })

    for _, nodeOverview := range overview.Nodes {
        state := "UP"

        if !nodeOverview.Alive {
            state = "DOWN"
        }

        if unreachable[nodeOverview.Address] {
            state = "UNREACHABLE"
        }

        address := nodeOverview.Address

        if address == overview.LocalAddress {
            address += " (local)"
        }

        status := nodeOverview.Status

        if status == "" {
            status = "?"
        }

        table.Append([]string{
            address,
            status,
            state,
            strconv.FormatInt(int64(nodeOverview.Generation), 10),
            strconv.FormatInt(int64(nodeOverview.Heartbeat), 10),
        })
    }

    table.Render()
}
