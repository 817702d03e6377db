package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/globals/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// Format selects the configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FileName returns the configuration file name for the format.
func (f Format) FileName() (string, error) {
	switch f {
	case FormatYAML, "yml", "":
		return "globals.yml", nil
	case FormatTOML:
		return "globals.toml", nil
	default:
		return "", fmt.Errorf("unknown format: %s (must be 'yaml' or 'toml')", f)
	}
}

// Initialize writes a starter configuration into dir and returns its path.
// If force is true an existing file is overwritten.
func Initialize(dir string, format Format, force bool) (string, error) {
	name, err := format.FileName()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)

	if !force {
		if err := CheckExisting(path); err != nil {
			return "", err
		}
	}

	content, err := templatesFS.ReadFile("templates/" + name + ".tmpl")
	if err != nil {
		return "", fmt.Errorf("failed to read %s template: %w", name, err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	// The template must load cleanly through the same path the tools use.
	if _, err := config.Load(path); err != nil {
		return "", fmt.Errorf("created %s is not a valid configuration: %w", name, err)
	}

	return path, nil
}
