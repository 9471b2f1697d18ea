// Command mcp serves the receipt escrow API to LLM clients as MCP tools
// over stdio. Stdout carries the protocol, so logs go to stderr.
package main

import (
	"flag"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/receiptescrow/internal/logging"
	"github.com/mbd888/receiptescrow/internal/mcpserver"
)

const defaultAPIURL = "http://localhost:8010"

func main() {
	_ = godotenv.Load()

	apiURL := os.Getenv("RECEIPTESCROW_API_URL")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	flag.StringVar(&apiURL, "api", apiURL, "base URL of the receipt escrow API")
	logLevel := flag.String("log-level", "warn", "stderr log level")
	flag.Parse()

	logger := logging.NewWithWriter(os.Stderr, *logLevel, "text")
	logger.Info("serving MCP over stdio", "api", apiURL, "version", mcpserver.Version)

	s := mcpserver.NewMCPServer(mcpserver.Config{
		APIURL:      apiURL,
		AdminSecret: os.Getenv("ADMIN_SECRET"),
	})
	if err := server.ServeStdio(s); err != nil {
		logger.Error("MCP server stopped", "error", err)
		os.Exit(1)
	}
}
