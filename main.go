package main

import (
	"fmt"

	"github.com/relaymesh/agent-relay/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
