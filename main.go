package main

import "github.com/evanofslack/cloud-dns-sync/internal/cli"

func main() {
	cli.Execute()
}
