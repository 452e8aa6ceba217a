// Amana ops MCP server - exposes read-only escrow inspection tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/amana/internal/mcpserver"
	"github.com/mbd888/amana/pkg/amanaclient"
)

func main() {
	_ = godotenv.Load()

	cfg := amanaclient.Config{
		BaseURL: envOrDefault("AMANA_API_URL", "http://localhost:8080"),
		APIKey:  os.Getenv("AMANA_API_KEY"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "AMANA_API_KEY is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
