package main

import (
	"fmt"
	"time"

	"github.com/famedly/uia-proxy/internal/config"
	"github.com/famedly/uia-proxy/internal/mapper"
	"github.com/famedly/uia-proxy/internal/oidc"
	"github.com/famedly/uia-proxy/internal/providers"
	"github.com/famedly/uia-proxy/internal/stages"
)

// buildStage constructs a single Stage instance from its declared type and
// opaque per-stage config, wiring in the shared collaborators (mapper,
// oidc manager, crm settings) each built-in stage needs.
func buildStage(stageType string, cfg config.StageConfig, homeserverDomain string, m *mapper.Mapper, oidcMgr *oidc.Manager, crmCfg config.CRM) (stages.Stage, error) {
	switch stageType {
	case "m.login.dummy":
		return stages.DummyStage{}, nil

	case "com.famedly.login.welcome_message":
		inline, _ := cfg["message"].(string)
		filePath, _ := cfg["file"].(string)
		return stages.NewWelcomeMessageStage(inline, filePath), nil

	case "m.login.password":
		providerList, err := buildProviders(cfg, m)
		if err != nil {
			return nil, err
		}
		return &stages.PasswordStage{HomeserverDomain: homeserverDomain, Providers: providerList}, nil

	case "com.famedly.login.sso":
		if oidcMgr == nil {
			return nil, fmt.Errorf("com.famedly.login.sso is configured but no oidc providers are set up")
		}
		return &stages.SSOStage{OIDC: oidcMgr}, nil

	case "com.famedly.login.crm":
		return &stages.CRMStage{BaseURL: crmCfg.BaseURL, PharmacyID: crmCfg.PharmacyID}, nil

	default:
		return nil, fmt.Errorf("unknown stage type %q", stageType)
	}
}

// buildProviders decodes the password stage's `providers` list, each
// entry tagged with a `type` discriminator (ldap or dummy), into
// concrete PasswordProvider implementations (spec.md §4.4).
func buildProviders(cfg config.StageConfig, m *mapper.Mapper) ([]providers.PasswordProvider, error) {
	raw, _ := cfg["providers"].([]any)
	out := make([]providers.PasswordProvider, 0, len(raw))

	for i, entry := range raw {
		spec, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("providers[%d]: expected an object", i)
		}
		kind, _ := spec["type"].(string)

		switch kind {
		case "dummy":
			validPassword, _ := spec["validPassword"].(string)
			out = append(out, &providers.Dummy{ValidPassword: validPassword})

		case "ldap":
			ldapCfg, err := decodeLDAPConfig(spec)
			if err != nil {
				return nil, fmt.Errorf("providers[%d]: %w", i, err)
			}
			out = append(out, providers.NewLDAP(ldapCfg, m))

		default:
			return nil, fmt.Errorf("providers[%d]: unknown provider type %q", i, kind)
		}
	}
	return out, nil
}

// findPasswordChanger locates the first configured password provider
// that also implements PasswordChanger, for the `password` endpoint's
// change-password API handler (spec.md §4.9).
func findPasswordChanger(epCfg config.Endpoint, m *mapper.Mapper) (providers.PasswordChanger, error) {
	stageCfg, ok := epCfg.Stages["m.login.password"]
	if !ok {
		return nil, nil
	}
	list, err := buildProviders(stageCfg, m)
	if err != nil {
		return nil, err
	}
	for _, p := range list {
		if changer, ok := p.(providers.PasswordChanger); ok {
			return changer, nil
		}
	}
	return nil, nil
}

func decodeLDAPConfig(spec map[string]any) (providers.LDAPConfig, error) {
	str := func(key string) string {
		v, _ := spec[key].(string)
		return v
	}
	boolean := func(key string) bool {
		v, _ := spec[key].(bool)
		return v
	}

	attrs, _ := spec["attributes"].(map[string]any)
	attrStr := func(key string) string {
		if attrs == nil {
			return ""
		}
		v, _ := attrs[key].(string)
		return v
	}

	cfg := providers.LDAPConfig{
		URL:                str("url"),
		Base:               str("base"),
		BindDN:             str("bindDn"),
		BindPassword:       str("bindPassword"),
		UserBase:           str("userBase"),
		UserFilter:         str("userFilter"),
		PidFilter:          str("pidFilter"),
		AllowUnauthorized:  boolean("allowUnauthorized"),
		BinaryPid:          boolean("binaryPid"),
		Attributes: providers.Attributes{
			UID:          attrStr("uid"),
			PersistentID: attrStr("persistentId"),
			Enabled:      attrStr("enabled"),
			Displayname:  attrStr("displayname"),
			Admin:        attrStr("admin"),
		},
	}
	if cfg.URL == "" {
		return cfg, fmt.Errorf("ldap provider requires a url")
	}
	if timeoutMS, ok := spec["dialTimeoutMs"].(int); ok {
		cfg.DialTimeout = time.Duration(timeoutMS) * time.Millisecond
	}
	return cfg, nil
}
