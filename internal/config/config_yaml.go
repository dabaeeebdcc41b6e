// internal/config/config_yaml.go
package config

import (
	"fmt"
	"os"

	"github.com/erikjohnston/github-matrix-project-bot/model"
	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Address         *string             `yaml:"address"`
	GitHubURL       *string             `yaml:"github_url"`
	GitHubUser      *string             `yaml:"github_user"`
	GitHubTokenFile *string             `yaml:"github_token_file"`
	MatrixURL       *string             `yaml:"matrix_url"`
	MatrixTokenFile *string             `yaml:"matrix_token_file"`
	RoomID          *string             `yaml:"room_id"`
	StateNamespace  *string             `yaml:"state_namespace"`
	CheckInterval   *string             `yaml:"check_interval"` // "30s"
	ClientTimeout   *string             `yaml:"client_timeout"`
	DigestTime      *string             `yaml:"digest_time"`
	DigestTimeZone  *string             `yaml:"digest_timezone"`
	FetchPolicy     *string             `yaml:"fetch_policy"`
	WebhookDelay    *string             `yaml:"webhook_delay"`
	TrustedSubnet   *string             `yaml:"trusted_subnet"`
	DatabaseDSN     *string             `yaml:"database_dsn"`
	NATSURL         *string             `yaml:"nats_url"`
	NATSSubject     *string             `yaml:"nats_subject"`
	Metrics         []model.MetricQuery `yaml:"metrics"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, nil
}

func readSecretFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return trimSecret(string(b)), nil
}
