package config

import (
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
)

// MetadataFileName is the tool metadata file flows like OpenLane ship in
// their top-level directory, pinning the open_pdks commit their designs
// were hardened against.
const MetadataFileName = "tool_metadata.yml"

// openPDKsTool is the tool entry whose commit pins the PDK version.
const openPDKsTool = "open_pdks"

type toolMetadata struct {
	Tools []struct {
		Name   string `json:"name"`
		Commit string `json:"commit"`
	} `json:"tools"`
}

// ResolveVersionFromMetadata reads a tool metadata file and returns the
// pinned open_pdks commit, which doubles as the PDK version identifier.
func ResolveVersionFromMetadata(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	var md toolMetadata
	if err := yaml.Unmarshal(data, &md); err != nil {
		return "", fmt.Errorf("parsing %s: %w", path, err)
	}

	for _, tool := range md.Tools {
		if tool.Name == openPDKsTool && tool.Commit != "" {
			return tool.Commit, nil
		}
	}
	return "", fmt.Errorf("%s does not pin an %s commit", path, openPDKsTool)
}

// ResolveVersionSpec decides the version spec for commands whose version
// argument is optional: an explicit argument wins; otherwise a tool
// metadata file (explicitly given, or found in the working directory)
// supplies the pinned version; otherwise the spec falls back to "latest".
func ResolveVersionSpec(explicit, metadataPath string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	if metadataPath != "" {
		return ResolveVersionFromMetadata(metadataPath)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	candidate := filepath.Join(wd, MetadataFileName)
	if _, err := os.Stat(candidate); err == nil {
		return ResolveVersionFromMetadata(candidate)
	}

	return "latest", nil
}
