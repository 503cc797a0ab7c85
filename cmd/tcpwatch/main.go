package main

import (
	"github.com/mtikkanen/tcpwatch/internal/app"
)

var version = ""

// go build -ldflags "-X main.version=v0.1.0" -o tcpwatch ./cmd/tcpwatch

func main() {
	app.SetVersion(version)
	app.Execute()
}
