// Package credentials locates the password for a remote endpoint.
//
// Sources are tried in order: an environment variable, an age-sealed
// password file unlocked with a prompted passphrase, and finally an
// interactive prompt for the password itself.
package credentials

import (
	"errors"
	"fmt"
	"os"

	"ferry/internal/encryption"
	"ferry/internal/ferry"
)

// ErrNoCredential is returned when no source yields a password.
var ErrNoCredential = errors.New("no credential available")

// Prompter asks the user for a secret without echoing it.
type Prompter interface {
	Prompt(label string) (string, error)
}

// Resolver finds the password for an endpoint.
type Resolver struct {
	env      string
	sealed   *encryption.SealedFile // nil when no password file is configured
	prompter Prompter               // nil disables interactive sources
	logger   ferry.Logger
	getenv   func(string) string
}

// NewResolver creates a Resolver. env names the environment variable to
// consult, sealedPath the optional age-sealed password file.
func NewResolver(env, sealedPath string, prompter Prompter, logger ferry.Logger) *Resolver {
	r := &Resolver{
		env:      env,
		prompter: prompter,
		logger:   logger,
		getenv:   os.Getenv,
	}
	if sealedPath != "" {
		r.sealed = encryption.NewSealedFile(sealedPath, 0)
	}
	return r
}

// Resolve returns the password for ep.
func (r *Resolver) Resolve(ep ferry.Endpoint) (ferry.Secret, error) {
	if r.env != "" {
		if v := r.getenv(r.env); v != "" {
			r.logger.Debug("credential from environment", "variable", r.env)
			return ferry.Secret(v), nil
		}
	}

	if r.sealed != nil && r.sealed.Exists() {
		if r.prompter == nil {
			return "", fmt.Errorf("%w: %s is sealed and no terminal is available for the passphrase",
				ErrNoCredential, r.sealed.Path())
		}
		passphrase, err := r.prompter.Prompt(fmt.Sprintf("Passphrase for %s: ", r.sealed.Path()))
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		secret, err := r.sealed.Open(passphrase)
		if err != nil {
			return "", fmt.Errorf("unlocking password file: %w", err)
		}
		r.logger.Debug("credential from sealed file", "path", r.sealed.Path())
		return secret, nil
	}

	if r.prompter == nil {
		if r.env != "" {
			return "", fmt.Errorf("%w: set %s", ErrNoCredential, r.env)
		}
		return "", ErrNoCredential
	}
	pw, err := r.prompter.Prompt(fmt.Sprintf("%s@%s's password: ", ep.User, ep.Host))
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return ferry.Secret(pw), nil
}
