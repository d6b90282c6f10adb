// TradeVault MCP Server - exposes read-only custody tools to LLM agents
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/tradevault/internal/mcpserver"
	"github.com/mbd888/tradevault/internal/validation"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:         envOrDefault("TRADEVAULT_API_URL", "http://localhost:8080"),
		DefaultAddress: os.Getenv("TRADEVAULT_ADDRESS"),
	}

	if cfg.DefaultAddress != "" && !validation.IsValidAddress(cfg.DefaultAddress) {
		fmt.Fprintln(os.Stderr, "TRADEVAULT_ADDRESS must be a 0x-prefixed 20-byte hex address")
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
