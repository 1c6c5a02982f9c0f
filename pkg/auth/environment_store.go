package auth

import (
	"os"
	"time"
)

// APIKeyEnv is the environment variable read by EnvironmentStore
const APIKeyEnv = "FLICKRTWIN_API_KEY"

// EnvironmentStore implements CredentialStore over FLICKRTWIN_API_KEY. It is
// read-only and always reports the key under DefaultName.
type EnvironmentStore struct{}

// NewEnvironmentStore creates a new environment-based credential store
func NewEnvironmentStore() *EnvironmentStore {
	return &EnvironmentStore{}
}

// Store is not supported for environment variables
func (e *EnvironmentStore) Store(cred *Credential) error {
	return ErrStoreUnavailable
}

// Retrieve returns the environment key for DefaultName or an empty name
func (e *EnvironmentStore) Retrieve(name string) (*Credential, error) {
	key := os.Getenv(APIKeyEnv)
	if key == "" || (name != "" && name != DefaultName) {
		return nil, ErrCredentialsNotFound
	}

	return &Credential{
		Name:         DefaultName,
		APIKey:       key,
		LastModified: time.Now(),
	}, nil
}

// List returns the environment credential if the variable is set
func (e *EnvironmentStore) List() ([]*Credential, error) {
	cred, err := e.Retrieve(DefaultName)
	if err != nil {
		return []*Credential{}, nil
	}
	return []*Credential{cred}, nil
}

// Delete is not supported for environment variables
func (e *EnvironmentStore) Delete(name string) error {
	return ErrStoreUnavailable
}

// Exists checks if the environment key is set
func (e *EnvironmentStore) Exists(name string) bool {
	_, err := e.Retrieve(name)
	return err == nil
}
