// Package config loads and persists the agent's config.json (spec.md §6)
// and watches it for hot-reloadable changes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// File is the on-disk shape of config.json, next to the binary.
type File struct {
	UUID     string `json:"uuid"`
	Port     int    `json:"port"`
	SFTP     int    `json:"sftp"`
	Remote   string `json:"remote"`
	Token    string `json:"token"`
	Path     string `json:"path"`
	SSL      bool   `json:"ssl"`
	CertPath string `json:"certPath,omitempty"`
	KeyPath  string `json:"keyPath,omitempty"`
}

// Load reads and validates config.json at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := f.validate(); err != nil {
		return nil, err
	}

	return &f, nil
}

// validate checks that every required field is present. The TLS triple is
// only consulted (and required) when SSL is true.
func (f *File) validate() error {
	missing := func(cond bool, name string) error {
		if cond {
			return fmt.Errorf("config: missing required field %q", name)
		}
		return nil
	}

	switch {
	case f.UUID == "":
		return missing(true, "uuid")
	case f.Port == 0:
		return missing(true, "port")
	case f.SFTP == 0:
		return missing(true, "sftp")
	case f.Remote == "":
		return missing(true, "remote")
	case f.Token == "":
		return missing(true, "token")
	case f.Path == "":
		return missing(true, "path")
	}

	if f.SSL {
		if f.CertPath == "" {
			return missing(true, "certPath")
		}
		if f.KeyPath == "" {
			return missing(true, "keyPath")
		}
	}

	return nil
}

// Save writes f to path atomically: write to path+".tmp", then rename.
// Mirrors the teacher's jailhouse state persistence.
func Save(path string, f *File) error {
	if err := f.validate(); err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename config file: %w", err)
	}

	return nil
}
