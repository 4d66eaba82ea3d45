// Package cli holds the file-level work behind intermail subcommands.
package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mistakeknot/intermail/internal/auth"
	"github.com/mistakeknot/intermail/internal/names"
)

// InitResult reports the key InitKeysFile returned. Created is false when
// the project already had a key.
type InitResult struct {
	KeysFile string
	Project  string
	Key      string
	Created  bool
}

// InitKeysFile adds an API key for project to the keys file at path.
// project is a slug or an absolute workspace path; a path is bound by the
// slug it derives so keys line up with what the server routes on.
func InitKeysFile(path, project string) (InitResult, error) {
	path = strings.TrimSpace(path)
	project = strings.TrimSpace(project)
	if path == "" {
		return InitResult{}, fmt.Errorf("keys file path required")
	}
	if project == "" {
		return InitResult{}, fmt.Errorf("project required")
	}
	if filepath.IsAbs(project) {
		project = names.ProjectSlug(project, 0)
	}
	key, created, err := auth.AddKey(path, project)
	if err != nil {
		return InitResult{}, err
	}
	return InitResult{KeysFile: path, Project: project, Key: key, Created: created}, nil
}
