// Package catalog loads the deployment file (plantit.yaml) that declares
// agents, access policies and script settings for the CLI.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/script"
)

const (
	EnvPrefix  = "PLANTIT"
	ConfigName = "plantit"
	ConfigRoot = ".plantit"

	BaseURLKey = "base_url"
)

// Policy grants a user a role on an agent.
type Policy struct {
	Agent    string      `mapstructure:"agent"`
	Username string      `mapstructure:"username"`
	Role     models.Role `mapstructure:"role"`
}

type Config struct {
	BaseURL  string          `mapstructure:"base_url"`
	Agents   []*models.Agent `mapstructure:"agents"`
	Policies []Policy        `mapstructure:"policies"`
	Script   script.Config   `mapstructure:"script"`

	v *viper.Viper
}

// Load reads cfgFile, or searches the working directory for plantit.yaml
// and merges the untracked .plantit/config.yaml over it.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	} else {
		for _, name := range []string{"plantit.yaml", "plantit.yml", ".plantit.yaml"} {
			if _, err := os.Stat(name); err == nil {
				v.SetConfigFile(name)
				if err := v.ReadInConfig(); err == nil {
					break
				}
			}
		}

		localConfigPath := filepath.Join(ConfigRoot, "config.yaml")
		if _, err := os.Stat(localConfigPath); err == nil {
			v.SetConfigFile(localConfigPath)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("merging local config: %w", err)
			}
		}
	}

	if !v.IsSet(BaseURLKey) {
		v.SetDefault(BaseURLKey, "http://localhost:3000")
	} else {
		v.Set(BaseURLKey, strings.TrimRight(v.GetString(BaseURLKey), "/"))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	for _, a := range cfg.Agents {
		if a.Port == 0 {
			a.Port = 22
		}
	}
	cfg.v = v
	return &cfg, nil
}

// Agent returns the declared agent with the given name.
func (c *Config) Agent(name string) (*models.Agent, error) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, nil
		}
	}
	return nil, fmt.Errorf("agent %q is not declared in %s", name, c.ConfigFileUsed())
}

// Validate reports every malformed agent and policy at once.
func (c *Config) Validate() error {
	var issues []string
	seen := map[string]bool{}
	for i, a := range c.Agents {
		label := fmt.Sprintf("agents[%d]", i)
		if a.Name == "" {
			issues = append(issues, label+": name is required")
		} else {
			label = a.Name
		}
		if seen[a.Name] {
			issues = append(issues, label+": declared twice")
		}
		seen[a.Name] = true
		if a.Hostname == "" || a.Username == "" || a.WorkDir == "" {
			issues = append(issues, label+": hostname, username and workdir are required")
		}
		switch a.Executor {
		case models.ExecutorLocal, models.ExecutorSlurm, models.ExecutorPBS:
		default:
			issues = append(issues, fmt.Sprintf("%s: unknown executor %q", label, a.Executor))
		}
	}
	for i, p := range c.Policies {
		if !seen[p.Agent] {
			issues = append(issues, fmt.Sprintf("policies[%d]: unknown agent %q", i, p.Agent))
		}
		if p.Role != models.RoleOwn && p.Role != models.RoleUse && p.Role != models.RoleNone {
			issues = append(issues, fmt.Sprintf("policies[%d]: unknown role %q", i, p.Role))
		}
	}
	if len(issues) > 0 {
		return fmt.Errorf("invalid %s:\n  %s", c.ConfigFileUsed(), strings.Join(issues, "\n  "))
	}
	return nil
}

// AccessPolicies converts the declared policies to their stored form.
func (c *Config) AccessPolicies() []*models.AgentAccessPolicy {
	out := make([]*models.AgentAccessPolicy, 0, len(c.Policies))
	for _, p := range c.Policies {
		out = append(out, &models.AgentAccessPolicy{AgentName: p.Agent, Username: p.Username, Role: p.Role})
	}
	return out
}

// Viper returns the underlying viper instance for flag binding.
func (c *Config) Viper() *viper.Viper {
	return c.v
}

func (c *Config) ConfigFileUsed() string {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return ConfigName + ".yaml"
	}
	return c.v.ConfigFileUsed()
}
