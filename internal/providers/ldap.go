package providers

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/famedly/uia-proxy/internal/logging"
	"github.com/famedly/uia-proxy/internal/mapper"
)

// Attributes names the LDAP attributes the provider reads back per user.
type Attributes struct {
	UID          string `mapstructure:"uid"`
	PersistentID string `mapstructure:"persistentId"`
	Enabled      string `mapstructure:"enabled"`
	Displayname  string `mapstructure:"displayname"`
	Admin        string `mapstructure:"admin"`
}

// LDAPConfig configures the bind-search-bind LDAP provider (spec.md §4.4.1).
type LDAPConfig struct {
	URL               string     `mapstructure:"url"`
	Base              string     `mapstructure:"base"`
	BindDN            string     `mapstructure:"bindDn"`
	BindPassword      string     `mapstructure:"bindPassword"`
	UserBase          string     `mapstructure:"userBase"`
	UserFilter        string     `mapstructure:"userFilter"`
	PidFilter         string     `mapstructure:"pidFilter"`
	Attributes        Attributes `mapstructure:"attributes"`
	AllowUnauthorized bool       `mapstructure:"allowUnauthorized"`
	BinaryPid         bool       `mapstructure:"binaryPid"`
	DialTimeout       time.Duration
}

// LDAP is the bind-search-bind PasswordProvider.
type LDAP struct {
	cfg    LDAPConfig
	mapper *mapper.Mapper
}

func NewLDAP(cfg LDAPConfig, m *mapper.Mapper) *LDAP {
	if cfg.UserFilter == "" {
		cfg.UserFilter = "(uid=%s)"
	}
	return &LDAP{cfg: cfg, mapper: m}
}

func (l *LDAP) Name() string { return "ldap" }

func (l *LDAP) dial() (*ldap.Conn, error) {
	dialer := &net.Dialer{Timeout: l.cfg.dialTimeout()}
	opts := []ldap.DialOpt{ldap.DialWithDialer(dialer)}
	if strings.HasPrefix(l.cfg.URL, "ldaps://") && l.cfg.AllowUnauthorized {
		opts = append(opts, ldap.DialWithTLSConfig(&tls.Config{InsecureSkipVerify: true})) // #nosec G402
	}
	return ldap.DialURL(l.cfg.URL, opts...)
}

func (c LDAPConfig) dialTimeout() time.Duration {
	if c.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return c.DialTimeout
}

// CheckUser implements the bind-search-bind flow of spec.md §4.4.1.
func (l *LDAP) CheckUser(ctx context.Context, username, password string) (CheckResult, error) {
	searchConn, err := l.dial()
	if err != nil {
		return CheckResult{}, fmt.Errorf("ldap: connect for search: %w", err)
	}
	defer searchConn.Close()
	l.watchConnErrors(searchConn, "search")

	if err := searchConn.Bind(l.cfg.BindDN, l.cfg.BindPassword); err != nil {
		return CheckResult{}, fmt.Errorf("ldap: service bind: %w", err)
	}

	attrs := l.wantedAttrs()

	entries, err := l.searchUser(ctx, searchConn, l.cfg.UserFilter, ldapEscape(username), attrs)
	if err != nil {
		return CheckResult{}, err
	}

	if len(entries) == 0 && l.mapper != nil {
		entries, err = l.searchViaMapper(ctx, searchConn, username, attrs)
		if err != nil {
			return CheckResult{}, err
		}
	}

	if len(entries) != 1 {
		return CheckResult{Success: false}, nil
	}
	// The directory may return hex-escaped RFC-2253 characters in the DN;
	// re-encode them to literal characters before reusing it as a bind DN
	// and a DN-based search base (spec.md §4.4.1 "DN re-encode").
	dn := dnUnescape(entries[0].DN)

	userConn, err := l.dial()
	if err != nil {
		return CheckResult{}, fmt.Errorf("ldap: connect for user bind: %w", err)
	}
	defer userConn.Close()
	l.watchConnErrors(userConn, "user")

	if err := userConn.Bind(dn, password); err != nil {
		return CheckResult{Success: false}, nil
	}

	// Re-fetch attributes on the bound connection via a self-search at dn.
	selfEntries, err := userConn.Search(ldap.NewSearchRequest(
		dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 0, false,
		"(objectClass=*)", attrs, nil,
	))
	if err != nil || len(selfEntries.Entries) != 1 {
		return CheckResult{}, fmt.Errorf("ldap: self-search after bind: %w", err)
	}
	self := selfEntries.Entries[0]

	if l.cfg.Attributes.Enabled != "" {
		if self.GetAttributeValue(l.cfg.Attributes.Enabled) == "FALSE" {
			return CheckResult{Success: false}, nil
		}
	}

	result := CheckResult{Success: true}
	if l.cfg.Attributes.Displayname != "" {
		result.Displayname = self.GetAttributeValue(l.cfg.Attributes.Displayname)
	}
	if l.cfg.Attributes.Admin != "" {
		switch self.GetAttributeValue(l.cfg.Attributes.Admin) {
		case "TRUE":
			v := true
			result.Admin = &v
		case "FALSE":
			v := false
			result.Admin = &v
		}
	}

	var persistentID []byte
	if l.cfg.Attributes.PersistentID != "" {
		persistentID = self.GetRawAttributeValue(l.cfg.Attributes.PersistentID)
	}
	selfUsername := username
	if l.cfg.Attributes.UID != "" {
		if v := self.GetAttributeValue(l.cfg.Attributes.UID); v != "" {
			selfUsername = v
		}
	}

	if len(persistentID) > 0 && l.mapper != nil {
		localpart, err := l.mapper.UsernameToLocalpart(ctx, selfUsername, persistentID)
		if err != nil {
			return CheckResult{}, fmt.Errorf("ldap: derive localpart: %w", err)
		}
		result.Username = localpart
	}
	return result, nil
}

// ChangePassword implements PasswordChanger for the LDAP provider: it
// re-binds as the user with oldPassword (proving current ownership) and
// then replaces the userPassword attribute via a Modify request.
func (l *LDAP) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) (bool, error) {
	searchConn, err := l.dial()
	if err != nil {
		return false, fmt.Errorf("ldap: connect for search: %w", err)
	}
	defer searchConn.Close()
	l.watchConnErrors(searchConn, "search")

	if err := searchConn.Bind(l.cfg.BindDN, l.cfg.BindPassword); err != nil {
		return false, fmt.Errorf("ldap: service bind: %w", err)
	}

	entries, err := l.searchUser(ctx, searchConn, l.cfg.UserFilter, ldapEscape(username), []string{"dn"})
	if err != nil {
		return false, err
	}
	if len(entries) == 0 && l.mapper != nil {
		entries, err = l.searchViaMapper(ctx, searchConn, username, []string{"dn"})
		if err != nil {
			return false, err
		}
	}
	if len(entries) != 1 {
		return false, nil
	}
	dn := dnUnescape(entries[0].DN)

	userConn, err := l.dial()
	if err != nil {
		return false, fmt.Errorf("ldap: connect for user bind: %w", err)
	}
	defer userConn.Close()
	l.watchConnErrors(userConn, "user")

	if err := userConn.Bind(dn, oldPassword); err != nil {
		return false, nil
	}

	modify := ldap.NewModifyRequest(dn, nil)
	modify.Replace("userPassword", []string{newPassword})
	if err := userConn.Modify(modify); err != nil {
		return false, fmt.Errorf("ldap: modify userPassword: %w", err)
	}
	return true, nil
}

// LookupByPersistentID re-derives the current source username for a
// stored persistent ID via the configured pidFilter, for the `repair`
// CLI (spec.md §6): "re-derives and rewrites the mapping using the
// configured LDAP provider."
func (l *LDAP) LookupByPersistentID(ctx context.Context, persistentID []byte) (string, error) {
	if l.cfg.PidFilter == "" {
		return "", fmt.Errorf("ldap: pidFilter is not configured")
	}

	conn, err := l.dial()
	if err != nil {
		return "", fmt.Errorf("ldap: connect: %w", err)
	}
	defer conn.Close()
	l.watchConnErrors(conn, "repair")

	if err := conn.Bind(l.cfg.BindDN, l.cfg.BindPassword); err != nil {
		return "", fmt.Errorf("ldap: service bind: %w", err)
	}

	var escaped string
	if l.cfg.BinaryPid {
		escaped = ldapEscapeBinary(persistentID)
	} else {
		escaped = ldapEscape(string(persistentID))
	}

	attrs := l.wantedAttrs()
	entries, err := l.searchUser(ctx, conn, l.cfg.PidFilter, escaped, attrs)
	if err != nil {
		return "", err
	}
	if len(entries) != 1 {
		return "", fmt.Errorf("ldap: expected exactly one match for persistent id, got %d", len(entries))
	}

	username := entries[0].DN
	if l.cfg.Attributes.UID != "" {
		if v := entries[0].GetAttributeValue(l.cfg.Attributes.UID); v != "" {
			username = v
		}
	}
	return username, nil
}

// searchUser runs a single search with filterTemplate (userFilter or
// pidFilter) and the given (already escaped) placeholder value.
func (l *LDAP) searchUser(_ context.Context, conn *ldap.Conn, filterTemplate, escapedValue string, attrs []string) ([]*ldap.Entry, error) {
	filter := fmt.Sprintf(filterTemplate, escapedValue)
	req := ldap.NewSearchRequest(
		l.userBase(), ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter, attrs, nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("ldap: search %s: %w", filter, err)
	}
	return res.Entries, nil
}

// searchViaMapper implements the fallback of spec.md §4.4.1 step 3:
// treat username as a Matrix localpart, and if the mapper has a
// persistent-ID-bearing reverse entry for it, search by pidFilter (or, as
// a last resort, by the mapper's recorded username).
func (l *LDAP) searchViaMapper(ctx context.Context, conn *ldap.Conn, localpart string, attrs []string) ([]*ldap.Entry, error) {
	entry, ok, err := l.mapper.LocalpartToUsername(ctx, localpart)
	if err != nil || !ok {
		return nil, nil
	}

	if len(entry.PersistentID) > 0 && l.cfg.PidFilter != "" {
		var escaped string
		if l.cfg.BinaryPid {
			escaped = ldapEscapeBinary(entry.PersistentID)
		} else {
			escaped = ldapEscape(string(entry.PersistentID))
		}
		entries, err := l.searchUser(ctx, conn, l.cfg.PidFilter, escaped, attrs)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			return entries, nil
		}
	}

	if entry.Username != "" {
		return l.searchUser(ctx, conn, l.cfg.UserFilter, ldapEscape(entry.Username), attrs)
	}
	return nil, nil
}

func (l *LDAP) userBase() string {
	if l.cfg.UserBase != "" {
		return l.cfg.UserBase
	}
	return l.cfg.Base
}

func (l *LDAP) wantedAttrs() []string {
	var attrs []string
	for _, a := range []string{l.cfg.Attributes.UID, l.cfg.Attributes.PersistentID, l.cfg.Attributes.Enabled, l.cfg.Attributes.Displayname, l.cfg.Attributes.Admin} {
		if a != "" {
			attrs = append(attrs, a)
		}
	}
	return attrs
}

// watchConnErrors subscribes to the connection's asynchronous close
// notification so an unexpected socket drop does not go unhandled
// (spec.md §5 "Scoped acquisition").
func (l *LDAP) watchConnErrors(conn *ldap.Conn, label string) {
	go func() {
		<-conn.Done()
		if err := conn.Err(); err != nil {
			logging.Logger.Debug("ldap connection closed", "client", label, "err", err)
		}
	}()
}

// --- Escaping helpers (spec.md §4.4.1) ---

var ldapEscapeAllowed = regexp.MustCompile(`[^a-z0-9\-._=/]`)

// ldapEscape is the defensive (not RFC-complete) filter-string escape:
// every byte outside [a-z0-9\-._=/] is dropped.
func ldapEscape(s string) string {
	return ldapEscapeAllowed.ReplaceAllString(s, "")
}

// ldapEscapeBinary implements RFC 4515 §3 binary escaping: `#+"\<>;=` and
// bytes below 0x20 or at/above 0x80 are \HH-escaped, and a
// leading or trailing space becomes \20.
func ldapEscapeBinary(raw []byte) string {
	var b strings.Builder
	special := map[byte]bool{'#': true, '+': true, '"': true, '\\': true, '<': true, '>': true, ';': true, '=': true}

	for i, c := range raw {
		switch {
		case c == ' ' && (i == 0 || i == len(raw)-1):
			b.WriteString(`\20`)
		case special[c]:
			fmt.Fprintf(&b, `\%02X`, c)
		case c < 0x20 || c >= 0x80:
			fmt.Fprintf(&b, `\%02X`, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

var dnHexEscape = regexp.MustCompile(`\\(23|2[cC]|2[bB]|22|5[cC]|3[cC]|3[eE]|3[bB]|3[dD])`)

// dnUnescape converts the RFC-2253 hex escapes a DN returned by the
// directory may carry (\23 \2C \2B \22 \5C \3C \3E \3B \3D) back to their
// literal characters, so the DN can be reused as a bind DN and as the
// base of the self-search at that DN.
func dnUnescape(dn string) string {
	return dnHexEscape.ReplaceAllStringFunc(dn, func(m string) string {
		hex := m[1:]
		var b byte
		fmt.Sscanf(hex, "%02X", &b)
		return string([]byte{b})
	})
}
