package terminal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	cryptossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrNoKnownHosts is returned by HostKeyCallback in strict mode when no
// known_hosts file could be found.
var ErrNoKnownHosts = errors.New("ssh host key verification required: no known_hosts file found")

// systemKnownHosts is the system-wide known_hosts location.
var systemKnownHosts = "/etc/ssh/ssh_known_hosts"

// HostKeyCallback returns the host key policy for outgoing connections.
//
// Resolution order:
//  1. extraPath, ~/.ssh/known_hosts and the system known_hosts file; every one
//     that exists is loaded.
//  2. If none exist and strict is set, ErrNoKnownHosts.
//  3. Otherwise host keys are not verified.
func HostKeyCallback(extraPath string, strict bool) (cryptossh.HostKeyCallback, error) {
	candidates := make([]string, 0, 3)
	if extraPath != "" {
		candidates = append(candidates, extraPath)
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".ssh", "known_hosts"))
	}
	candidates = append(candidates, systemKnownHosts)

	existing := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			existing = append(existing, candidate)
		}
	}

	if len(existing) > 0 {
		callback, err := knownhosts.New(existing...)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		log.Info().Strs("files", existing).Msg("SSH host key verification enabled")
		return callback, nil
	}

	if strict {
		return nil, ErrNoKnownHosts
	}

	log.Warn().Msg("No known_hosts file found, SSH host keys will not be verified")
	return cryptossh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicit opt-out via SSH_REQUIRE_HOST_KEY
}
