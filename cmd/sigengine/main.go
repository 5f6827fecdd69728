package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/sigengine/sigengine/internal/cli"
)

func main() {
	// Optional .env file; missing files are fine
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
