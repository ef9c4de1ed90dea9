package secrets

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Repo identifies the repository a secret belongs to, as given in the
// `repository` field of an event.
type Repo string

// AllWorkflows is the scope of a secret visible to every workflow of its
// repository.
const AllWorkflows = ""

type Secret[T any] struct {
	Key   string
	Value T
	Repo  Repo
	// Workflow limits the secret to runs of one workflow. A scoped secret
	// shadows a repository-wide secret with the same key.
	Workflow  string
	CreatedAt time.Time
	CreatedBy string
}

// the secret is not present
type LockedSecret = Secret[struct{}]

// the secret is present in plaintext, never expose this publicly,
// only use in the workflow engine
type UnlockedSecret = Secret[string]

type Manager interface {
	AddSecret(ctx context.Context, secret UnlockedSecret) error
	RemoveSecret(ctx context.Context, secret Secret[any]) error
	// GetSecretsLocked lists every secret of repo in every scope.
	GetSecretsLocked(ctx context.Context, repo Repo) ([]LockedSecret, error)
	// GetSecretsUnlocked returns the secrets a run of workflow can see,
	// one per key.
	GetSecretsUnlocked(ctx context.Context, repo Repo, workflow string) ([]UnlockedSecret, error)
}

var ErrKeyAlreadyPresent = errors.New("key already present")
var ErrInvalidKeyIdent = errors.New("key is not a valid identifier")
var ErrKeyNotFound = errors.New("key not found")

// ensure that we are satisfying the interface
var (
	_ = []Manager{
		&SqliteManager{},
	}
)

var (
	// bash identifier syntax
	keyIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

func isValidKey(key string) bool {
	if key == "" {
		return false
	}
	return keyIdent.MatchString(key)
}

func ValidateKey(key string) error {
	if !isValidKey(key) {
		return ErrInvalidKeyIdent
	}
	return nil
}

// AsEnv flattens unlocked secrets into environment variables.
func AsEnv(ss []UnlockedSecret) map[string]string {
	env := make(map[string]string, len(ss))
	for _, s := range ss {
		env[s.Key] = s.Value
	}
	return env
}
