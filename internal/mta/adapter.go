package mta

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrReloadFailed means the MTA did not pick up the new routing; callers
	// cannot assume the requested state is live.
	ErrReloadFailed = errors.New("mta configuration reload failed")
	// ErrInvalidAddress is returned for addresses that cannot map to a mailbox path.
	ErrInvalidAddress = errors.New("invalid mailbox address")
	// ErrUnknownMailbox is returned when the userdb has no entry for the address.
	ErrUnknownMailbox = errors.New("mailbox not present in userdb")
)

// Maildir sub-folders created for every mailbox, besides the inbox.
var maildirFolders = []string{".Sent", ".Drafts", ".Trash", ".Junk"}

// Config describes the MTA host layout.
type Config struct {
	MailRoot          string
	ArchiveRoot       string
	VirtualMailboxMap string
	VirtualAliasMap   string
	UserDB            string
	OwnerUID          int
	OwnerGID          int
	Timeout           time.Duration
	PostmapBin        string
	PostfixBin        string
	DoveadmBin        string
}

// CreateOptions carries the per-mailbox settings for CreateMailbox.
type CreateOptions struct {
	PasswordHash string
	QuotaMB      int64
}

// Adapter applies mailbox intents to a Postfix + Dovecot host: the Maildir
// tree, the virtual mailbox/alias maps, the passwd-file userdb and ACLs.
// Map edits are serialized by mu.
type Adapter struct {
	cfg    Config
	runner Runner
	logger zerolog.Logger
	mu     sync.Mutex
	now    func() time.Time
	chown  func(name string, uid, gid int) error
}

// NewAdapter creates an Adapter. Empty binary names default to the stock tools.
func NewAdapter(logger zerolog.Logger, cfg Config, runner Runner) *Adapter {
	if cfg.PostmapBin == "" {
		cfg.PostmapBin = "postmap"
	}
	if cfg.PostfixBin == "" {
		cfg.PostfixBin = "postfix"
	}
	if cfg.DoveadmBin == "" {
		cfg.DoveadmBin = "doveadm"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Adapter{
		cfg:    cfg,
		runner: runner,
		logger: logger.With().Str("component", "mta-adapter").Logger(),
		now:    time.Now,
		chown:  os.Lchown,
	}
}

// HashPassword returns a bcrypt hash suitable for the Dovecot BLF-CRYPT scheme.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CreateMailbox provisions the Maildir tree, the userdb entry and the routing
// entry for email, then rebuilds and reloads. It is safe to repeat.
func (a *Adapter) CreateMailbox(ctx context.Context, email string, opts CreateOptions) error {
	local, domain, err := splitAddress(email)
	if err != nil {
		return err
	}
	email = local + "@" + domain
	home := a.mailboxDir(domain, local)

	a.logger.Info().Str("email", email).Str("home", home).Msg("creating mailbox")

	if err := a.createMaildir(home); err != nil {
		return err
	}

	a.mu.Lock()
	err = a.upsertUser(email, userdbLine(email, opts.PasswordHash, a.cfg.OwnerUID, a.cfg.OwnerGID, home, opts.QuotaMB))
	if err == nil {
		var added bool
		added, err = addMapEntry(a.cfg.VirtualMailboxMap, email, domain+"/"+local+"/")
		if err == nil && !added {
			a.logger.Warn().Str("email", email).Msg("virtual mailbox entry already exists, skipping")
		}
	}
	a.mu.Unlock()
	if err != nil {
		return err
	}

	if err := a.postmap(ctx, a.cfg.VirtualMailboxMap); err != nil {
		return err
	}
	return a.reload(ctx)
}

// DeleteMailbox removes routing, aliases pointing at email and the userdb
// entry, rebuilds and reloads, then archives or erases the Maildir tree.
func (a *Adapter) DeleteMailbox(ctx context.Context, email string, keepData bool) error {
	local, domain, err := splitAddress(email)
	if err != nil {
		return err
	}
	email = local + "@" + domain

	a.mu.Lock()
	_, err = removeMapEntries(a.cfg.VirtualMailboxMap, 0o644, func(l string) bool {
		return strings.EqualFold(lookupKey(l), email)
	})
	var aliasesChanged bool
	if err == nil {
		aliasesChanged, err = removeMapEntries(a.cfg.VirtualAliasMap, 0o644, func(l string) bool {
			return strings.EqualFold(strings.TrimSpace(l[len(lookupKey(l)):]), email)
		})
	}
	if err == nil {
		_, err = removeMapEntries(a.cfg.UserDB, 0o640, func(l string) bool {
			return userdbName(l) == email
		})
	}
	a.mu.Unlock()
	if err != nil {
		return err
	}

	if err := a.postmap(ctx, a.cfg.VirtualMailboxMap); err != nil {
		return err
	}
	if aliasesChanged {
		if err := a.postmap(ctx, a.cfg.VirtualAliasMap); err != nil {
			return err
		}
	}
	if err := a.reload(ctx); err != nil {
		return err
	}

	home := a.mailboxDir(domain, local)
	if _, err := os.Stat(home); errors.Is(err, fs.ErrNotExist) {
		a.logger.Warn().Str("email", email).Msg("mailbox directory already gone")
		return nil
	}

	if !keepData {
		a.logger.Info().Str("email", email).Msg("removing mailbox data")
		if err := os.RemoveAll(home); err != nil {
			return fmt.Errorf("remove %s: %w", home, err)
		}
		return nil
	}

	archiveDir := filepath.Join(a.cfg.ArchiveRoot, domain)
	if err := os.MkdirAll(archiveDir, 0o700); err != nil {
		return fmt.Errorf("create archive dir %s: %w", archiveDir, err)
	}
	dest := filepath.Join(archiveDir, local+"-"+a.now().UTC().Format("20060102T150405Z"))
	a.logger.Info().Str("email", email).Str("archive", dest).Msg("archiving mailbox data")
	if err := os.Rename(home, dest); err != nil {
		return fmt.Errorf("archive %s: %w", home, err)
	}
	return nil
}

// SetQuota rewrites the quota rule in the userdb and asks Dovecot to recount.
func (a *Adapter) SetQuota(ctx context.Context, email string, quotaMB int64) error {
	a.mu.Lock()
	err := a.updateUser(email, func(line string) string {
		return withQuotaRule(line, quotaMB)
	})
	a.mu.Unlock()
	if err != nil {
		return err
	}

	if _, err := a.run(ctx, a.cfg.DoveadmBin, "quota", "recalc", "-u", email); err != nil {
		a.logger.Warn().Err(err).Str("email", email).Msg("quota recalc failed")
	}
	return nil
}

func (a *Adapter) createMaildir(home string) error {
	dirs := []string{home}
	for _, f := range maildirFolders {
		dirs = append(dirs, filepath.Join(home, f))
	}
	for _, d := range dirs {
		for _, sub := range []string{"cur", "new", "tmp"} {
			if err := os.MkdirAll(filepath.Join(d, sub), 0o700); err != nil {
				return fmt.Errorf("create maildir %s: %w", d, err)
			}
		}
	}

	// The domain directory is shared with sibling mailboxes.
	for _, p := range []string{filepath.Dir(home), home} {
		if err := a.chown(p, a.cfg.OwnerUID, a.cfg.OwnerGID); err != nil {
			return fmt.Errorf("chown %s: %w", p, err)
		}
	}
	return filepath.WalkDir(home, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := a.chown(p, a.cfg.OwnerUID, a.cfg.OwnerGID); err != nil {
			return fmt.Errorf("chown %s: %w", p, err)
		}
		return nil
	})
}

func (a *Adapter) mailboxDir(domain, local string) string {
	return filepath.Join(a.cfg.MailRoot, domain, local)
}

func (a *Adapter) postmap(ctx context.Context, path string) error {
	if _, err := a.run(ctx, a.cfg.PostmapBin, path); err != nil {
		return fmt.Errorf("rebuild %s: %w", path, err)
	}
	return nil
}

func (a *Adapter) reload(ctx context.Context) error {
	if _, err := a.run(ctx, a.cfg.PostfixBin, "reload"); err != nil {
		a.logger.Error().Err(err).Msg("postfix reload failed")
		return fmt.Errorf("%w: %v", ErrReloadFailed, err)
	}
	return nil
}

func (a *Adapter) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	a.logger.Debug().Str("cmd", name).Strs("args", args).Msg("executing")
	return a.runner.Run(ctx, name, args...)
}

// splitAddress validates email and returns its lowercased local and domain parts.
func splitAddress(email string) (local, domain string, err error) {
	local, domain, ok := strings.Cut(strings.ToLower(strings.TrimSpace(email)), "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, email)
	}
	for _, part := range []string{local, domain} {
		if strings.ContainsAny(part, "/\\:\t\n ") || part == "." || part == ".." || strings.HasPrefix(part, ".") {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, email)
		}
	}
	return local, domain, nil
}
