// Command akitagw is the chat gateway and agent orchestrator's entry point.
package main

import "github.com/nextlevelbuilder/akitagw/cmd"

func main() {
	cmd.Execute()
}
