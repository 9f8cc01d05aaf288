package main

import "fmt"

// version is stamped at build time:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/ralph/
var version = "dev"

func printVersion() {
	fmt.Printf("ralph %s\n", version)
}
