package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Template renders the defaults for kind as a config file. format is
// "toml" or "yaml".
func Template(kind Role, format string) (string, error) {
	d := Defaults()
	doc := map[string]any{"log": d.Log}
	switch kind {
	case RoleServer:
		doc["server"] = d.Server
	case RoleClient:
		doc["client"] = d.Client
	default:
		return "", fmt.Errorf("%w: unknown config kind %q", ErrInvalid, kind)
	}

	var (
		out []byte
		err error
	)
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "toml":
		out, err = toml.Marshal(doc)
	case "yaml", "yml":
		out, err = yaml.Marshal(doc)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("# restpipe %s configuration\n%s", kind, out), nil
}

// WriteTemplate writes the kind template to path in the format named by its
// extension.
func WriteTemplate(path string, kind Role, overwrite bool) error {
	template, err := Template(kind, filepath.Ext(path))
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
