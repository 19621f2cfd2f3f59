// Package identity loads the optional identity prompt (<base>/identity.yaml)
// sent as a system prompt on a brand-new session. Authoring/editing the
// file remains external.
package identity

import (
	"os"
	"path/filepath"

	"github.com/kynetic-ai/kbot/pkg/kerrors"
	"gopkg.in/yaml.v3"
)

type identityFile struct {
	Prompt string `yaml:"prompt"`
}

// LoadIdentityPrompt reads <baseDir>/identity.yaml, returning ("", false,
// nil) if the file is absent.
func LoadIdentityPrompt(baseDir string) (string, bool, error) {
	path := filepath.Join(baseDir, "identity.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, kerrors.IO("loadIdentityPrompt", err)
	}
	var f identityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return "", false, kerrors.Validation("loadIdentityPrompt", "yaml", "valid identity document", err.Error())
	}
	if f.Prompt == "" {
		return "", false, nil
	}
	return f.Prompt, true, nil
}
