package config

import (
	"fmt"

	"github.com/cuemby/pulp-manager/pkg/types"
	"gopkg.in/ini.v1"
)

// AppConfig is the typed form of the application INI config of §6, one
// sub-struct per section.
type AppConfig struct {
	CA      CAConfig      `ini:"ca"`
	Auth    AuthConfig    `ini:"auth"`
	Pulp    PulpConfig    `ini:"pulp"`
	Redis   RedisConfig   `ini:"redis"`
	Remotes RemotesConfig `ini:"remotes"`
	Paging  PagingConfig  `ini:"paging"`
	Vault   VaultConfig   `ini:"vault"`
}

type CAConfig struct {
	RootCAFilePath string `ini:"root_ca_file_path"`
}

type AuthConfig struct {
	Method              string `ini:"method"`
	UseSSL              bool   `ini:"use_ssl"`
	LDAPServers         string `ini:"ldap_servers"`
	BaseDN              string `ini:"base_dn"`
	DefaultDomain       string `ini:"default_domain"`
	JWTAlgorithm        string `ini:"jwt_algorithm"`
	JWTTokenLifetimeMin int    `ini:"jwt_token_lifetime_mins"`
	AdminGroup          string `ini:"admin_group"`
	RequireJWTAuth      bool   `ini:"require_jwt_auth"`
}

type PulpConfig struct {
	DebSigningService          string `ini:"deb_signing_service"`
	BannedPackageRegex         string `ini:"banned_package_regex"`
	InternalDomains            string `ini:"internal_domains"`
	GitRepoConfig              string `ini:"git_repo_config"`
	GitRepoConfigDir           string `ini:"git_repo_config_dir"`
	Password                   string `ini:"password"`
	InternalPackagePrefix      string `ini:"internal_package_prefix"`
	PackageNameReplacementPattern string `ini:"package_name_replacement_pattern"`
	PackageNameReplacementRule string `ini:"package_name_replacement_rule"`
	RemoteTLSValidation        bool   `ini:"remote_tls_validation"`
	UseHTTPSForSync            bool   `ini:"use_https_for_sync"`
}

type RedisConfig struct {
	Host        string `ini:"host"`
	Port        int    `ini:"port"`
	DB          int    `ini:"db"`
	MaxPageSize int    `ini:"max_page_size"`
}

type RemotesConfig struct {
	SockConnectTimeout int `ini:"sock_connect_timeout"`
	SockReadTimeout    int `ini:"sock_read_timeout"`
}

type PagingConfig struct {
	DefaultPageSize int `ini:"default_page_size"`
	MaxPageSize     int `ini:"max_page_size"`
}

type VaultConfig struct {
	VaultAddr          string `ini:"vault_addr"`
	RepoSecretNamespace string `ini:"repo_secret_namespace"`
}

// LoadApp parses the application INI config at path.
func LoadApp(path string) (*AppConfig, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading app config: %v", types.ErrConfigInvalid, err)
	}

	cfg := &AppConfig{}
	if err := f.MapTo(cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing app config: %v", types.ErrConfigInvalid, err)
	}

	return cfg, nil
}
