package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChannelType selects the upstream source a channel is built from.
type ChannelType string

const (
	// ChannelTypeRelease sources versions from the repository's releases.
	ChannelTypeRelease ChannelType = "RELEASE"
	// ChannelTypeWorkflow sources versions from successful workflow runs.
	ChannelTypeWorkflow ChannelType = "WORKFLOW"
)

// Artifact describes one file a channel collects per version.
type Artifact struct {
	Identifier string `json:"identifier" yaml:"identifier"`
	// FileNameFormat is a regular expression matched against release asset
	// names or extracted zip entry names.
	FileNameFormat string `json:"fileNameFormat" yaml:"fileNameFormat"`
	// ArchiveNameFormat is a regular expression matched against workflow
	// artifact archive names. Workflow channels only.
	ArchiveNameFormat string `json:"archiveNameFormat,omitempty" yaml:"archiveNameFormat,omitempty"`
}

// Security is a single advisory evaluated by version-check.
// VersionIdentifier is either an exact identifier or "<=" followed by an
// identifier, which fires for that version and everything older.
type Security struct {
	VersionIdentifier string `json:"versionIdentifier" yaml:"versionIdentifier"`
	FailReason        string `json:"securityFailReason" yaml:"securityFailReason"`
	Vulnerability     bool   `json:"vulnerability" yaml:"vulnerability"`
}

// Channel is the static definition of one version channel.
type Channel struct {
	Name                   string      `json:"name" yaml:"name"`
	RepoOwner              string      `json:"repoOwner" yaml:"repoOwner"`
	RepoName               string      `json:"repoName" yaml:"repoName"`
	Type                   ChannelType `json:"type" yaml:"type"`
	VersionsToKeep         int         `json:"versionsToKeep" yaml:"versionsToKeep"`
	VersionsToKeepInMemory int         `json:"versionsToKeepInMemory" yaml:"versionsToKeepInMemory"`
	Artifacts              []Artifact  `json:"artifacts" yaml:"artifacts"`
	Security               []Security  `json:"security,omitempty" yaml:"security,omitempty"`

	// Workflow channels only.
	Branch            string `json:"branch,omitempty" yaml:"branch,omitempty"`
	WorkflowFile      string `json:"workflowFile,omitempty" yaml:"workflowFile,omitempty"`
	PagesOfRunsToKeep int    `json:"pagesOfRunsToKeep,omitempty" yaml:"pagesOfRunsToKeep,omitempty"`
}

// Repo returns the "owner/name" form used in log messages and API paths.
func (c Channel) Repo() string {
	return c.RepoOwner + "/" + c.RepoName
}

// Describe identifies the channel in log and notification messages.
func (c Channel) Describe() string {
	return c.Repo() + ":" + c.Name
}

// Webhook is one inbound GitHub webhook endpoint.
type Webhook struct {
	Path   string `json:"path" yaml:"path"`
	Secret string `json:"secret" yaml:"secret"`
}

// Config is the root configuration document.
type Config struct {
	Port              int       `json:"port" yaml:"port"`
	APIURL            string    `json:"apiUrl" yaml:"apiUrl"`
	StorageDir        string    `json:"storageDir" yaml:"storageDir"`
	GithubToken       string    `json:"githubToken" yaml:"githubToken"`
	DiscordWebhookURL string    `json:"discordWebhookUrl,omitempty" yaml:"discordWebhookUrl,omitempty"`
	StatsDB           string    `json:"statsDb,omitempty" yaml:"statsDb,omitempty"`
	Webhooks          []Webhook `json:"githubWebhooks" yaml:"githubWebhooks"`
	Channels          []Channel `json:"versionChannels" yaml:"versionChannels"`
}

// Load reads and validates a configuration file. JSON and YAML are both
// accepted, decided by file extension. Environment variables
// DOWNLOADER_PORT and GITHUB_TOKEN override their file counterparts.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if port := os.Getenv("DOWNLOADER_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("DOWNLOADER_PORT: %w", err)
		}
		cfg.Port = p
	}
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		cfg.GithubToken = token
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.StorageDir == "" {
		c.StorageDir = "storage"
	}
	if c.APIURL == "" {
		c.APIURL = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	c.APIURL = strings.TrimSuffix(c.APIURL, "/")
	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.Type == ChannelTypeWorkflow && ch.PagesOfRunsToKeep == 0 {
			ch.PagesOfRunsToKeep = 1
		}
	}
}

// Validate checks invariants that the rest of the system relies on.
func (c *Config) Validate() error {
	for _, ch := range c.Channels {
		if ch.Name == "" || ch.RepoOwner == "" || ch.RepoName == "" {
			return fmt.Errorf("channel %q: name, repoOwner and repoName are required", ch.Name)
		}
		if ch.Type != ChannelTypeRelease && ch.Type != ChannelTypeWorkflow {
			return fmt.Errorf("channel %s: unknown type %q", ch.Describe(), ch.Type)
		}
		if ch.VersionsToKeep <= 0 {
			return fmt.Errorf("channel %s: versionsToKeep must be positive", ch.Describe())
		}
		if ch.VersionsToKeepInMemory < 0 || ch.VersionsToKeepInMemory > ch.VersionsToKeep {
			return fmt.Errorf("channel %s: versionsToKeepInMemory must be between 0 and versionsToKeep", ch.Describe())
		}
		if len(ch.Artifacts) == 0 {
			return fmt.Errorf("channel %s: at least one artifact is required", ch.Describe())
		}
		for _, a := range ch.Artifacts {
			if a.Identifier == "" {
				return fmt.Errorf("channel %s: artifact identifier is required", ch.Describe())
			}
			if _, err := regexp.Compile(a.FileNameFormat); err != nil {
				return fmt.Errorf("channel %s artifact %s: fileNameFormat: %w", ch.Describe(), a.Identifier, err)
			}
			if a.ArchiveNameFormat != "" {
				if _, err := regexp.Compile(a.ArchiveNameFormat); err != nil {
					return fmt.Errorf("channel %s artifact %s: archiveNameFormat: %w", ch.Describe(), a.Identifier, err)
				}
			}
		}
		if ch.Type == ChannelTypeWorkflow {
			if ch.Branch == "" || ch.WorkflowFile == "" {
				return fmt.Errorf("channel %s: workflow channels require branch and workflowFile", ch.Describe())
			}
		}
	}
	for _, wh := range c.Webhooks {
		if wh.Path == "" || wh.Secret == "" {
			return fmt.Errorf("github webhook: path and secret are required")
		}
	}
	return nil
}
