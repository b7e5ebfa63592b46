package main

import (
	"context"
	"fmt"

	"github.com/famedly/uia-proxy/internal/config"
	"github.com/famedly/uia-proxy/internal/logging"
	"github.com/famedly/uia-proxy/internal/mapper"
	"github.com/famedly/uia-proxy/internal/providers"
	"github.com/famedly/uia-proxy/internal/store"
)

// repair iterates every UsernameMapper entry and, for entries carrying a
// persistent ID, re-derives the mapping against the LDAP provider chosen
// by findLDAPProvider and rewrites it (spec.md §6).
func repair() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	kv, err := store.NewFileKV(cfg.UsernameMapper.Folder)
	if err != nil {
		return err
	}
	m, err := mapper.New(cfg.UsernameMapper.Mode, cfg.UsernameMapper.Pepper, cfg.UsernameMapper.BinaryPid, kv)
	if err != nil {
		return err
	}

	ldap, err := findLDAPProvider(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	var repaired, skipped, failed int
	err = m.Iterate(ctx, func(localpart string, entry mapper.Entry) error {
		if len(entry.PersistentID) == 0 {
			skipped++
			return nil
		}
		username, err := ldap.LookupByPersistentID(ctx, entry.PersistentID)
		if err != nil {
			logging.Logger.Warn("repair: lookup failed", "localpart", localpart, "err", err)
			failed++
			return nil
		}
		if _, err := m.UsernameToLocalpart(ctx, username, entry.PersistentID); err != nil {
			logging.Logger.Warn("repair: rewrite failed", "localpart", localpart, "err", err)
			failed++
			return nil
		}
		repaired++
		return nil
	})
	if err != nil {
		return err
	}

	logging.Logger.Info("repair complete", "repaired", repaired, "skipped", skipped, "failed", failed)
	return nil
}

// findLDAPProvider locates the first `type: ldap` password provider
// declared across every configured endpoint's password stage.
func findLDAPProvider(cfg *config.Config) (*providers.LDAP, error) {
	for _, ep := range cfg.UIA {
		stageCfg, ok := ep.Stages["m.login.password"]
		if !ok {
			continue
		}
		raw, _ := stageCfg["providers"].([]any)
		for _, entry := range raw {
			spec, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if kind, _ := spec["type"].(string); kind == "ldap" {
				ldapCfg, err := decodeLDAPConfig(spec)
				if err != nil {
					return nil, err
				}
				return providers.NewLDAP(ldapCfg, nil), nil
			}
		}
	}
	return nil, fmt.Errorf("repair: no ldap password provider is configured")
}
