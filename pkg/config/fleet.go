package config

import (
	"fmt"
	"os"

	"github.com/cuemby/pulp-manager/pkg/types"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// fleetDocument mirrors the YAML shape of §6 exactly.
type fleetDocument struct {
	PulpServers map[string]fleetServer     `yaml:"pulp_servers"`
	Credentials map[string]fleetCredential `yaml:"credentials"`
	RepoGroups  map[string]fleetRepoGroup  `yaml:"repo_groups"`
}

type fleetServer struct {
	Credentials             string                      `yaml:"credentials"`
	RepoConfigRegistration  *fleetRepoConfigRegistration `yaml:"repo_config_registration"`
	RepoGroups              map[string]fleetServerGroup  `yaml:"repo_groups"`
	SnapshotSupport         *fleetSnapshotSupport        `yaml:"snapshot_support"`
	BaseURL                 string                      `yaml:"base_url"`
}

type fleetRepoConfigRegistration struct {
	Schedule   string `yaml:"schedule"`
	MaxRuntime string `yaml:"max_runtime"`
}

type fleetServerGroup struct {
	Schedule          string `yaml:"schedule"`
	MaxConcurrentSync int    `yaml:"max_concurrent_sync"`
	MaxRuntime        string `yaml:"max_runtime"`
	PulpMaster        string `yaml:"pulp_master"`
}

type fleetSnapshotSupport struct {
	MaxConcurrentSnapshots int `yaml:"max_concurrent_snapshots"`
}

type fleetCredential struct {
	Username                 string `yaml:"username"`
	VaultServiceAccountMount string `yaml:"vault_service_account_mount"`
}

type fleetRepoGroup struct {
	RegexInclude string `yaml:"regex_include"`
	RegexExclude string `yaml:"regex_exclude"`
}

// LoadFleet parses the fleet YAML at path into a fully-resolved Catalog,
// per the Config Parser contract of §4.1.
func LoadFleet(path string) (*types.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading fleet config: %v", types.ErrConfigInvalid, err)
	}

	var doc fleetDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing fleet config: %v", types.ErrConfigInvalid, err)
	}

	return resolveFleet(&doc)
}

func resolveFleet(doc *fleetDocument) (*types.Catalog, error) {
	cat := &types.Catalog{
		Servers:     make(map[string]*types.PulpServer),
		RepoGroups:  make(map[string]*types.RepoGroup),
		Credentials: make(map[string]*types.CredentialsRef),
	}

	for name, c := range doc.Credentials {
		cat.Credentials[name] = &types.CredentialsRef{
			Name:                     name,
			Username:                 c.Username,
			VaultServiceAccountMount: c.VaultServiceAccountMount,
		}
	}

	for name, g := range doc.RepoGroups {
		cat.RepoGroups[name] = &types.RepoGroup{
			Name:         name,
			RegexInclude: g.RegexInclude,
			RegexExclude: g.RegexExclude,
			Active:       true,
		}
	}

	for name, s := range doc.PulpServers {
		if _, ok := cat.Servers[name]; ok {
			return nil, fmt.Errorf("%w: duplicate server name %q", types.ErrConfigInvalid, name)
		}
		if s.Credentials != "" {
			if _, ok := cat.Credentials[s.Credentials]; !ok {
				return nil, fmt.Errorf("%w: server %q references unknown credentials %q", types.ErrConfigInvalid, name, s.Credentials)
			}
		}

		server := &types.PulpServer{
			Name:           name,
			BaseURL:        s.BaseURL,
			CredentialsRef: s.Credentials,
			Active:         true,
		}

		if s.RepoConfigRegistration != nil {
			if _, err := cronParser.Parse(s.RepoConfigRegistration.Schedule); err != nil {
				return nil, fmt.Errorf("%w: server %q repo_config_registration schedule: %v", types.ErrConfigInvalid, name, err)
			}
			d, err := ParseDuration(s.RepoConfigRegistration.MaxRuntime)
			if err != nil {
				return nil, fmt.Errorf("%w: server %q repo_config_registration max_runtime: %v", types.ErrConfigInvalid, name, err)
			}
			server.RepoConfigRegistration = &types.RepoConfigRegistration{
				Schedule:   s.RepoConfigRegistration.Schedule,
				MaxRuntime: d,
			}
		}

		if s.SnapshotSupport != nil {
			server.SupportsSnapshots = true
			server.MaxConcurrentSnapshots = s.SnapshotSupport.MaxConcurrentSnapshots
		}

		cat.Servers[name] = server

		for groupName, binding := range s.RepoGroups {
			if _, ok := cat.RepoGroups[groupName]; !ok {
				return nil, fmt.Errorf("%w: server %q references unknown repo group %q", types.ErrConfigInvalid, name, groupName)
			}
			if _, err := cronParser.Parse(binding.Schedule); err != nil {
				return nil, fmt.Errorf("%w: server %q group %q schedule: %v", types.ErrConfigInvalid, name, groupName, err)
			}
			maxRuntime, err := ParseDuration(binding.MaxRuntime)
			if err != nil {
				return nil, fmt.Errorf("%w: server %q group %q max_runtime: %v", types.ErrConfigInvalid, name, groupName, err)
			}
			if binding.PulpMaster != "" {
				if _, ok := doc.PulpServers[binding.PulpMaster]; !ok {
					return nil, fmt.Errorf("%w: server %q group %q pulp_master %q not present", types.ErrConfigInvalid, name, groupName, binding.PulpMaster)
				}
			}

			cat.ServerRepoGroups = append(cat.ServerRepoGroups, &types.ServerRepoGroup{
				Server:            name,
				Group:             groupName,
				Schedule:          binding.Schedule,
				MaxConcurrentSync: binding.MaxConcurrentSync,
				MaxRuntime:        maxRuntime,
				SourcePulpServer:  binding.PulpMaster,
				Active:            true,
			})
		}
	}

	return cat, nil
}

// Merge implements the upsert-on-reload policy of §4.1: entries present in
// next overwrite by natural key; entries present only in prev are carried
// forward marked inactive so historical Job records remain attributable.
func Merge(prev, next *types.Catalog) *types.Catalog {
	if prev == nil {
		return next
	}

	merged := &types.Catalog{
		Servers:          make(map[string]*types.PulpServer, len(next.Servers)),
		RepoGroups:       make(map[string]*types.RepoGroup, len(next.RepoGroups)),
		Credentials:      make(map[string]*types.CredentialsRef, len(next.Credentials)),
		ServerRepoGroups: append([]*types.ServerRepoGroup(nil), next.ServerRepoGroups...),
	}

	bound := make(map[string]bool, len(next.ServerRepoGroups))
	for _, b := range next.ServerRepoGroups {
		bound[b.Server+"/"+b.Group] = true
	}
	for _, b := range prev.ServerRepoGroups {
		if !bound[b.Server+"/"+b.Group] {
			inactive := *b
			inactive.Active = false
			merged.ServerRepoGroups = append(merged.ServerRepoGroups, &inactive)
		}
	}

	for k, v := range next.Servers {
		merged.Servers[k] = v
	}
	for k, v := range prev.Servers {
		if _, ok := merged.Servers[k]; !ok {
			inactive := *v
			inactive.Active = false
			merged.Servers[k] = &inactive
		}
	}

	for k, v := range next.RepoGroups {
		merged.RepoGroups[k] = v
	}
	for k, v := range prev.RepoGroups {
		if _, ok := merged.RepoGroups[k]; !ok {
			inactive := *v
			inactive.Active = false
			merged.RepoGroups[k] = &inactive
		}
	}

	for k, v := range next.Credentials {
		merged.Credentials[k] = v
	}
	for k, v := range prev.Credentials {
		if _, ok := merged.Credentials[k]; !ok {
			merged.Credentials[k] = v
		}
	}

	return merged
}
