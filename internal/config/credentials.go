package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Credentials maps api_key_ref names to secret values. Stored outside project
// config at ~/.linggen/credentials.json, hand-edited, so the parser tolerates
// JSON5 (comments, trailing commas).
type Credentials map[string]string

// CredentialsPath returns ~/.linggen/credentials.json.
func CredentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".linggen", "credentials.json"), nil
}

// LoadCredentials reads the global credential file. A missing file yields an
// empty map: models without keys are still usable against local endpoints.
func LoadCredentials() (Credentials, error) {
	path, err := CredentialsPath()
	if err != nil {
		return Credentials{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Credentials{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	creds := Credentials{}
	if err := json5.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, nil
}

// Resolve looks up ref, falling back to the environment variable of the same
// name. Empty ref means no key.
func (c Credentials) Resolve(ref string) string {
	if ref == "" {
		return ""
	}
	if v, ok := c[ref]; ok {
		return v
	}
	return os.Getenv(ref)
}
