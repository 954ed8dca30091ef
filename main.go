package main

import (
	"fmt"

	"github.com/webitel/conn-runtime/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
