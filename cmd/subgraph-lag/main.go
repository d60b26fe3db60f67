package main

import "subgraph-lag-monitor/internal/cli"

func main() {
	cli.Execute()
}
