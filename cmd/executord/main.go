package main

import (
	"context"

	"github.com/GPTx-global/executor/executor/log"
)

func main() {
	rootCmd, _ := NewRootCmd()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatalf("executord: %v", err)
	}
}
