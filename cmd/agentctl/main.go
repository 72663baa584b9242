// Command agentctl is the operator-facing configuration tool (spec.md
// §6 "Configure"): it calls the remote helper API's /fetch-ports and
// writes config.json, the one-time setup step before agentd can run.
//
// Grounded on the teacher's cmd/cli as the non-daemon operator tool
// alongside the daemon entrypoint.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"hightide/internal/config"
	"hightide/internal/remoteapi"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "configure":
		if err := configure(os.Args[2:]); err != nil {
			log.Printf("agentctl: %v", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: agentctl configure -uuid <uuid> -token <token> -remote <url> -path <base-server-path> [-config <config.json>]")
}

func configure(args []string) error {
	fs := flag.NewFlagSet("configure", flag.ContinueOnError)
	uuid := fs.String("uuid", "", "node uuid")
	token := fs.String("token", "", "shared authentication token")
	remoteURL := fs.String("remote", "", "remote helper API base URL")
	basePath := fs.String("path", "", "base server sandbox path")
	configPath := fs.String("config", "config.json", "path to write config.json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *uuid == "" || *token == "" || *remoteURL == "" || *basePath == "" {
		usage()
		return fmt.Errorf("missing required flag")
	}

	client := remoteapi.New(*remoteURL, *uuid, *token, nil)
	ports, err := client.FetchPorts()
	if err != nil {
		return fmt.Errorf("fetch-ports: %w", err)
	}

	cfg := &config.File{
		UUID:   *uuid,
		Port:   ports.Port,
		SFTP:   ports.SFTP,
		Remote: *remoteURL,
		Token:  *token,
		Path:   *basePath,
		SSL:    ports.SSL,
	}
	if ports.SSL {
		cfg.CertPath = *basePath + "/tls/fullchain.pem"
		cfg.KeyPath = *basePath + "/tls/privkey.pem"
	}

	if err := config.Save(*configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("wrote %s (port=%d, sftp=%d, ssl=%v)\n", *configPath, cfg.Port, cfg.SFTP, cfg.SSL)
	return nil
}
