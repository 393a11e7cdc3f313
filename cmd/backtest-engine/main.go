// Package main provides the entry point for the backtest-engine CLI.
package main

import "yqhp/backtest-engine/cmd"

func main() {
	cmd.Execute()
}
