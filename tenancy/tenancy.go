// Package tenancy parses the tenant table and answers authorization and
// path questions about it.
package tenancy

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jupark12/ydl-server/metrics"
	"github.com/jupark12/ydl-server/models"
)

// DefaultSpec is the tenant table used when none is configured.
const DefaultSpec = "youtube-dl:testing:./"

// DefaultDelay is the pause applied to every failed authorization.
const DefaultDelay = time.Second

// maxFilenameLength is the longest file name ResolveFile accepts.
const maxFilenameLength = 255

var (
	// ErrUnauthorized is returned for an unknown user or a wrong token.
	// Both cases are indistinguishable to the caller.
	ErrUnauthorized = errors.New("not authorized")
	// ErrUnknownTenant is returned by lookups that do not authorize.
	ErrUnknownTenant = errors.New("unknown tenant")
	// ErrInvalidFilename is returned for file names that cannot name a
	// file inside a tenant directory.
	ErrInvalidFilename = errors.New("invalid filename")
)

// Resolver holds the immutable tenant table.
type Resolver struct {
	tenants map[string]models.Tenant
	delay   time.Duration
	sleep   func(time.Duration)
}

// Parse builds a Resolver from a spec of semicolon-separated
// "user:token:outdir:uid:gid" entries. Every tenant needs a token;
// missing trailing fields after it are empty.
// An empty outdir means "./"; an empty gid defaults to the uid; an empty
// uid means files keep the server's ownership.
func Parse(spec string, delay time.Duration) (*Resolver, error) {
	r := &Resolver{
		tenants: make(map[string]models.Tenant),
		delay:   delay,
		sleep:   time.Sleep,
	}

	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		fields := strings.SplitN(entry+"::::", ":", 6)[:5]
		username, token, outdir, uid, gid := fields[0], fields[1], fields[2], fields[3], fields[4]
		if username == "" {
			return nil, fmt.Errorf("tenant entry %q: empty username", entry)
		}
		if token == "" {
			return nil, fmt.Errorf("tenant %q: empty token", username)
		}
		if _, dup := r.tenants[username]; dup {
			return nil, fmt.Errorf("tenant %q defined twice", username)
		}

		if outdir == "" {
			outdir = "./"
		}
		if !strings.HasSuffix(outdir, "/") {
			outdir += "/"
		}

		owner, err := parseOwnership(uid, gid)
		if err != nil {
			return nil, fmt.Errorf("tenant %q: %w", username, err)
		}

		r.tenants[username] = models.Tenant{
			Username:  username,
			Token:     token,
			OutputDir: outdir,
			Owner:     owner,
		}
	}

	if len(r.tenants) == 0 {
		return nil, errors.New("no tenants defined")
	}
	return r, nil
}

func parseOwnership(uid, gid string) (*models.Ownership, error) {
	if uid == "" {
		if gid != "" {
			return nil, errors.New("gid set without uid")
		}
		return nil, nil
	}
	if gid == "" {
		gid = uid
	}

	u, err := strconv.Atoi(uid)
	if err != nil {
		return nil, fmt.Errorf("invalid uid %q", uid)
	}
	g, err := strconv.Atoi(gid)
	if err != nil {
		return nil, fmt.Errorf("invalid gid %q", gid)
	}
	return &models.Ownership{UID: u, GID: g}, nil
}

// Authorize returns the tenant named username if token matches its token
// exactly. Every failure waits the configured delay first.
func (r *Resolver) Authorize(username, token string) (models.Tenant, error) {
	t, ok := r.tenants[username]
	if ok && tokenMatches(t.Token, token) {
		return t, nil
	}
	r.fail()
	return models.Tenant{}, ErrUnauthorized
}

// AuthorizeAny succeeds if token belongs to any tenant.
func (r *Resolver) AuthorizeAny(token string) error {
	matched := false
	for _, t := range r.tenants {
		if tokenMatches(t.Token, token) {
			matched = true
		}
	}
	if matched {
		return nil
	}
	r.fail()
	return ErrUnauthorized
}

// Lookup returns the tenant named username without authorizing.
func (r *Resolver) Lookup(username string) (models.Tenant, error) {
	t, ok := r.tenants[username]
	if !ok {
		return models.Tenant{}, ErrUnknownTenant
	}
	return t, nil
}

// ResolveFile maps a user-supplied file name to a path inside the tenant's
// output directory. Only the last path element of name is used.
func (r *Resolver) ResolveFile(username, name string) (string, error) {
	t, err := r.Lookup(username)
	if err != nil {
		return "", err
	}

	base := filepath.Base(filepath.FromSlash(name))
	switch {
	case base == "." || base == ".." || base == string(filepath.Separator):
		return "", ErrInvalidFilename
	case len(base) > maxFilenameLength:
		return "", ErrInvalidFilename
	}
	return t.Path(base), nil
}

// Usernames returns the configured tenant names, sorted.
func (r *Resolver) Usernames() []string {
	names := make([]string, 0, len(r.tenants))
	for name := range r.tenants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Resolver) fail() {
	metrics.AuthFailuresTotal.Inc()
	if r.delay > 0 {
		r.sleep(r.delay)
	}
}

// tokenMatches compares in constant time. An empty presented token never
// matches.
func tokenMatches(want, got string) bool {
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
