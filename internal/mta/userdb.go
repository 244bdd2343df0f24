package mta

import (
	"fmt"
	"strconv"
	"strings"
)

const quotaRulePrefix = "userdb_quota_rule=*:storage="

// userdbLine renders a Dovecot passwd-file entry:
//
//	user:password:uid:gid::home::extra_fields
//
// An empty hash locks the account until a password is set.
func userdbLine(email, passwordHash string, uid, gid int, home string, quotaMB int64) string {
	pw := "!"
	if passwordHash != "" {
		pw = "{BLF-CRYPT}" + passwordHash
	}
	return strings.Join([]string{
		strings.ToLower(email), pw, strconv.Itoa(uid), strconv.Itoa(gid), "", home, "", quotaRule(quotaMB),
	}, ":")
}

func quotaRule(quotaMB int64) string {
	if quotaMB <= 0 {
		return quotaRulePrefix + "0"
	}
	return quotaRulePrefix + strconv.FormatInt(quotaMB, 10) + "M"
}

func userdbName(line string) string {
	name, _, _ := strings.Cut(line, ":")
	return strings.ToLower(name)
}

// withQuotaRule replaces (or appends) the quota rule in the extra fields.
// The quota rule itself contains ':' so everything from the 8th field on is
// treated as extra fields.
func withQuotaRule(line string, quotaMB int64) string {
	fields := strings.SplitN(line, ":", 8)
	for len(fields) < 8 {
		fields = append(fields, "")
	}
	var extras []string
	for _, f := range strings.Fields(fields[7]) {
		if !strings.HasPrefix(f, "userdb_quota_rule=") {
			extras = append(extras, f)
		}
	}
	extras = append(extras, quotaRule(quotaMB))
	fields[7] = strings.Join(extras, " ")
	return strings.Join(fields, ":")
}

// upsertUser writes line, replacing any existing entry for the same user.
// Callers hold a.mu.
func (a *Adapter) upsertUser(email, line string) error {
	lines, err := readLines(a.cfg.UserDB)
	if err != nil {
		return err
	}
	name := strings.ToLower(email)
	replaced := false
	for i, l := range lines {
		if userdbName(l) == name {
			lines[i] = line
			replaced = true
		}
	}
	if !replaced {
		lines = append(lines, line)
	}
	return writeLinesAtomic(a.cfg.UserDB, lines, 0o640)
}

// updateUser rewrites the entry for email with fn. Callers hold a.mu.
func (a *Adapter) updateUser(email string, fn func(string) string) error {
	lines, err := readLines(a.cfg.UserDB)
	if err != nil {
		return err
	}
	name := strings.ToLower(email)
	found := false
	for i, l := range lines {
		if userdbName(l) == name {
			lines[i] = fn(l)
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownMailbox, email)
	}
	return writeLinesAtomic(a.cfg.UserDB, lines, 0o640)
}
