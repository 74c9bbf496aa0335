// Flotilla MCP Server - Exposes fleet settlement operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/flotilla-net/flotilla/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:   envOrDefault("FLOTILLA_API_URL", "http://localhost:8080"),
		PeerAddr: os.Getenv("FLOTILLA_PEER_ADDRESS"),
	}

	if cfg.PeerAddr == "" {
		fmt.Fprintln(os.Stderr, "FLOTILLA_PEER_ADDRESS is required")
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
