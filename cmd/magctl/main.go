package main

import (
	"os"

	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	// A .env beside the binary is a development convenience; absence is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
