// Package profile loads board profiles and script files from TOML or YAML
// and turns them into what the engine consumes: a flash layout, a journal
// window and a staged RAM image.
package profile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// decodeFile decodes path into v, picking the format from the extension.
// Unknown keys are rejected in both formats.
func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return decodeTOML(data, v)
	case ".yaml", ".yml":
		return decodeYAML(data, v)
	}
	if err := decodeTOML(data, v); err == nil {
		return nil
	}
	if err := decodeYAML(data, v); err == nil {
		return nil
	}
	return fmt.Errorf("%s: unable to parse as TOML or YAML", path)
}

func decodeTOML(data []byte, v any) error {
	md, err := toml.Decode(string(data), v)
	if err != nil {
		return fmt.Errorf("decode TOML: %w", err)
	}
	if keys := md.Undecoded(); len(keys) > 0 {
		return fmt.Errorf("decode TOML: unknown key %q", keys[0].String())
	}
	return nil
}

func decodeYAML(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode YAML: %w", err)
	}
	return nil
}
