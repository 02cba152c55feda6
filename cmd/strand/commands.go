package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/strand/internal/config"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running strand server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show strand queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func stopServer() error {
	pidPath := pidFilePath(config.DataDir())
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("strand is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop strand (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to strand (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)
	printStatus("Model", "%s", cfg.LLM.Model)

	summaryResp, err := client.Get(serverURL + "/queue")
	if err != nil {
		printWarning("could not fetch queue summary: %v", err)
		return nil
	}
	defer summaryResp.Body.Close()

	var summary struct {
		TotalQueued     int `json:"total_queued"`
		TotalProcessing int `json:"total_processing"`
		TotalCompleted  int `json:"total_completed"`
		TotalFailed     int `json:"total_failed"`
		TotalCancelled  int `json:"total_cancelled"`
	}
	if err := json.NewDecoder(summaryResp.Body).Decode(&summary); err != nil {
		printWarning("could not parse queue summary: %v", err)
		return nil
	}

	printStatus("Queued", "%d", summary.TotalQueued)
	printStatus("Processing", "%d", summary.TotalProcessing)
	printStatus("Completed", "%d", summary.TotalCompleted)
	printStatus("Failed", "%d", summary.TotalFailed)
	printStatus("Cancelled", "%d", summary.TotalCancelled)
	return nil
}
