// Package adapters discovers installed platform adapter packages.
package adapters

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jonathan/openorbit/internal/schemas"
	manifestschemas "github.com/jonathan/openorbit/schemas"
)

// AdapterKeyword marks a package as an adapter in its keywords list.
const AdapterKeyword = "openorbit-adapter"

// PluginDir is the directory under the root that holds installed packages.
const PluginDir = "node_modules"

// ManifestFile is the metadata document read from each package directory.
const ManifestFile = "package.json"

// UnknownVersion is reported when a manifest has no version.
const UnknownVersion = "unknown"

// AdapterMeta describes one discovered adapter.
type AdapterMeta struct {
	Name        string  `json:"name"`
	Version     string  `json:"version"`
	Description *string `json:"description,omitempty"`
	Platform    *string `json:"platform,omitempty"`
	Dir         string  `json:"dir"`
}

type manifest struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description *string  `json:"description"`
	Keywords    []string `json:"keywords"`
	Platform    *string  `json:"platform"`
	OpenOrbit   *struct {
		Platform *string `json:"platform"`
	} `json:"openorbit"`
}

// Discover scans root's plugin directory, including one level of @scope
// namespaces, and returns every package that declares the adapter keyword.
// Candidates with missing or malformed manifests are skipped. A missing plugin
// directory yields an empty result.
func Discover(root string) ([]AdapterMeta, error) {
	return discover(root, slog.Default())
}

func discover(root string, logger *slog.Logger) ([]AdapterMeta, error) {
	pluginRoot := filepath.Join(root, PluginDir)
	candidates, err := candidateDirs(pluginRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []AdapterMeta{}, nil
		}
		return nil, fmt.Errorf("failed to scan plugin root %s: %w", pluginRoot, err)
	}

	adapters := make([]AdapterMeta, 0, len(candidates))
	for _, dir := range candidates {
		meta, ok, err := readAdapter(dir)
		if err != nil {
			logger.Debug("skipping plugin candidate", "dir", dir, "err", err)
			continue
		}
		if ok {
			adapters = append(adapters, meta)
		}
	}
	return adapters, nil
}

// candidateDirs lists package directories in sorted order.
func candidateDirs(pluginRoot string) ([]string, error) {
	entries, err := os.ReadDir(pluginRoot)
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(pluginRoot, entry.Name())
		if !strings.HasPrefix(entry.Name(), "@") {
			dirs = append(dirs, path)
			continue
		}

		scoped, err := os.ReadDir(path)
		if err != nil {
			// An unreadable scope only loses its own packages.
			continue
		}
		for _, s := range scoped {
			if s.IsDir() && !strings.HasPrefix(s.Name(), ".") {
				dirs = append(dirs, filepath.Join(path, s.Name()))
			}
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

func readAdapter(dir string) (AdapterMeta, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return AdapterMeta{}, false, err
	}
	if err := schemas.ValidateBytes(manifestschemas.AdapterManifest, data); err != nil {
		return AdapterMeta{}, false, err
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return AdapterMeta{}, false, fmt.Errorf("failed to parse %s: %w", ManifestFile, err)
	}
	if !hasKeyword(m.Keywords, AdapterKeyword) {
		return AdapterMeta{}, false, nil
	}

	meta := AdapterMeta{
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		Platform:    m.Platform,
		Dir:         dir,
	}
	if meta.Version == "" {
		meta.Version = UnknownVersion
	}
	if m.OpenOrbit != nil && m.OpenOrbit.Platform != nil {
		meta.Platform = m.OpenOrbit.Platform
	}
	return meta, true, nil
}

func hasKeyword(keywords []string, want string) bool {
	for _, k := range keywords {
		if k == want {
			return true
		}
	}
	return false
}
