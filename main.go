package main

import (
	"github.com/inference-core/llm-engine-core/cmd"
)

func main() {
	cmd.Execute()
}
