package mta

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

const aclFile = "dovecot-acl"

// IMAP ACL letters granted per delegation level.
var aclRights = map[string]string{
	"read":  "lrs",
	"write": "lrwsite",
	"admin": "lrwstipekxa",
}

// GrantAccess gives delegate access to the mailbox of email. An existing
// grant for the same delegate is replaced.
func (a *Adapter) GrantAccess(ctx context.Context, email, delegate, rights string) error {
	letters, ok := aclRights[rights]
	if !ok {
		return fmt.Errorf("unknown rights %q", rights)
	}
	path, err := a.aclPath(email)
	if err != nil {
		return err
	}
	ident := "user=" + strings.ToLower(delegate)

	a.mu.Lock()
	defer a.mu.Unlock()

	lines, err := readLines(path)
	if err != nil {
		return err
	}
	kept := lines[:0:0]
	for _, l := range lines {
		if lookupKey(l) != ident {
			kept = append(kept, l)
		}
	}
	kept = append(kept, ident+" "+letters)
	if err := writeLinesAtomic(path, kept, 0o600); err != nil {
		return err
	}
	if err := a.chown(path, a.cfg.OwnerUID, a.cfg.OwnerGID); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}

	a.logger.Info().Str("email", email).Str("delegate", delegate).Str("rights", rights).Msg("granted mailbox access")
	return nil
}

// RevokeAccess removes any grant for delegate on the mailbox of email.
func (a *Adapter) RevokeAccess(ctx context.Context, email, delegate string) error {
	path, err := a.aclPath(email)
	if err != nil {
		return err
	}
	ident := "user=" + strings.ToLower(delegate)

	a.mu.Lock()
	defer a.mu.Unlock()

	changed, err := removeMapEntries(path, 0o600, func(l string) bool {
		return lookupKey(l) == ident
	})
	if err != nil {
		return err
	}
	if !changed {
		a.logger.Warn().Str("email", email).Str("delegate", delegate).Msg("no access grant to revoke")
	}
	return nil
}

func (a *Adapter) aclPath(email string) (string, error) {
	local, domain, err := splitAddress(email)
	if err != nil {
		return "", err
	}
	return filepath.Join(a.mailboxDir(domain, local), aclFile), nil
}
