package mta

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
)

// GetMailboxUsage returns the storage used by a mailbox in MB. Dovecot's quota
// is asked first; when it reports zero or is unavailable the Maildir tree is
// scanned directly.
func (a *Adapter) GetMailboxUsage(ctx context.Context, email string) (int64, error) {
	local, domain, err := splitAddress(email)
	if err != nil {
		return 0, err
	}

	out, err := a.run(ctx, a.cfg.DoveadmBin, "-f", "tab", "quota", "get", "-u", email)
	if err == nil {
		if kb, ok := parseQuotaStorageKB(out); ok && kb > 0 {
			return ceilMB(kb * 1024), nil
		}
		a.logger.Debug().Str("email", email).Msg("quota backend reports zero, scanning maildir")
	} else {
		a.logger.Warn().Err(err).Str("email", email).Msg("quota backend unavailable, scanning maildir")
	}

	size, err := dirSize(a.mailboxDir(domain, local))
	if err != nil {
		return 0, fmt.Errorf("scan mailbox %s: %w", email, err)
	}
	return ceilMB(size), nil
}

// parseQuotaStorageKB reads the STORAGE value from `doveadm -f tab quota get`:
//
//	Quota name	Type	Value	Limit	%
//	User quota	STORAGE	1234	1048576	0
func parseQuotaStorageKB(out []byte) (int64, bool) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Split(sc.Text(), "\t")
		if len(fields) < 3 || fields[1] != "STORAGE" {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func ceilMB(n int64) int64 {
	const mb = 1024 * 1024
	return (n + mb - 1) / mb
}
