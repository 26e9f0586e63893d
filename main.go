package main

import (
	"log"

	"securepeer/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Fatalf("securepeer: %v", err)
	}
}
