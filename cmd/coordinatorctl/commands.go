package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"predictcoord/internal/config"
	"predictcoord/internal/daemon"
)

const httpTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	var cfgPath string
	var demo bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the coordinator process and block until signalled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			if p := os.Getenv("COORD_CONFIG"); p != "" && cfgPath == "" {
				cfgPath = p
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger := daemon.NewLogger(cfg.Logging)
			return daemon.Run(*cfg, logger, demo)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "configs/config.yaml", "path to the coordinator config file")
	cmd.Flags().BoolVar(&demo, "demo", false, "register the structural crypto reference agent to exercise the platform end to end")
	return cmd
}

func newPauseCmd() *cobra.Command  { return newControlCmd("pause", "Pause order admission") }
func newResumeCmd() *cobra.Command { return newControlCmd("resume", "Resume order admission") }
func newForceCloseCmd() *cobra.Command {
	return newControlCmd("force-close", "Force-close open positions and halt admission")
}
func newShutdownCmd() *cobra.Command {
	return newControlCmd("shutdown", "Gracefully shut down the platform or a single domain's agents")
}

func newControlCmd(kind, short string) *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   kind,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return postControl(kind, domain)
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "restrict to one domain (crypto, sports, politics, economics, custom); omit for platform-wide")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the coordinator's current global state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getStatus()
		},
	}
}

func postControl(kind, domain string) error {
	payload := map[string]string{"kind": kind}
	if domain != "" {
		payload["domain"] = domain
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Post(addr+"/control", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request control api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("control api returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	if domain != "" {
		fmt.Printf("%s accepted for domain %s\n", kind, domain)
	} else {
		fmt.Printf("%s accepted (platform-wide)\n", kind)
	}
	return nil
}

func getStatus() error {
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Get(addr + "/status")
	if err != nil {
		return fmt.Errorf("request control api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("control api returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var pretty bytes.Buffer
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
