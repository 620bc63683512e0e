package credential

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/oauth2"

	gateway "github.com/eugener/prism/internal"
)

// ReadCollaboratorFile parses a well-known external credential file at path
// into a gateway.CredentialEntry for identity: external CLIs for the same
// provider write their own credential files, and this lets the manager
// import a newer token from one rather than forcing a fresh auth run. A
// missing file is not an error -- it simply means the collaborator tool has
// not been run -- but a malformed one is, so a corrupt file doesn't
// silently get ignored.
func ReadCollaboratorFile(path, identity, sourceTag string) (*gateway.CredentialEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("credential: read collaborator file %s: %w", path, err)
	}
	var entry gateway.CredentialEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		return nil, fmt.Errorf("credential: decode collaborator file %s: %w", path, err)
	}
	entry.Identity = identity
	entry.SourceTag = sourceTag
	return &entry, nil
}

// Import copies entry into the manager's own cache and refresh-token store
// when it is newer than whatever this proxy already holds for the same
// identity: when both sources exist for the same identity, the newer
// expires_at wins, and if the external source is newer the manager copies
// it into its own store and uses it. The collaborator's own file is only
// ever read, never written back to -- this proxy's store remains the
// source of truth for tokens it refreshes itself.
//
// An entry that is already expired at call time is never substituted in: a
// request needing that provider is left to fail with a clear 401 until
// `auth` is run, rather than caching a token already known to be rejected
// on first use.
func (m *Manager) Import(entry *gateway.CredentialEntry) error {
	if entry == nil || entry.Identity == "" || entry.AccessToken == "" {
		return nil
	}
	if entry.Expired(0) {
		return nil
	}
	if cached, ok := m.cache.GetIfPresent(entry.Identity); ok && !entry.ExpiresAt.After(cached.Expiry) {
		return nil
	}

	m.cache.Set(entry.Identity, oauth2.Token{
		AccessToken:  entry.AccessToken,
		RefreshToken: entry.RefreshToken,
		Expiry:       entry.ExpiresAt,
	})

	if entry.RefreshToken == "" {
		return nil
	}
	return m.store.Save(CredentialState{
		Identity:     entry.Identity,
		RefreshToken: entry.RefreshToken,
		ProjectID:    entry.ProjectID,
	})
}
