package config

import (
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/andresuchdata/bipsync/internal/domain"
)

// Secret names looked up for every source.
const (
	KeyHostname        = "HOSTNAME"
	KeyUsername        = "USERNAME"
	KeyPort            = "PORT"
	KeyPassword        = "PASSWORD"
	KeyPathToKey       = "PATH_TO_KEY"
	KeyKnownHosts      = "KNOWN_HOSTS"
	KeyLocalPath       = "LOCAL_PATH"
	KeyTargetFileType  = "TARGET_FILE_TYPE"
	KeyRemotePath      = "REMOTE_PATH"
	KeySentItemsPath   = "SENT_ITEMS_PATH"
	KeyBucketName      = "BUCKET_NAME"
	KeyCredentialsPath = "CREDENTIALS_PATH"
	KeyKeyPrefix       = "KEY_PREFIX"
)

// SecretProvider is an opaque string lookup for one source's secrets.
type SecretProvider interface {
	Lookup(key string) (string, bool)
}

// MapSecrets is a SecretProvider backed by a plain map.
type MapSecrets map[string]string

func (m MapSecrets) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok && v != ""
}

// viperSecrets resolves <SOURCE>_<KEY> from the environment first and then
// sources.<source>.<key> from the config file.
type viperSecrets struct {
	v    *viper.Viper
	name string
}

func newViperSecrets(v *viper.Viper, name string) SecretProvider {
	return &viperSecrets{v: v, name: name}
}

func (s *viperSecrets) Lookup(key string) (string, bool) {
	envKey := strings.ToUpper(strings.ReplaceAll(s.name, "-", "_")) + "_" + key
	if val := strings.TrimSpace(s.v.GetString(envKey)); val != "" {
		return val, true
	}
	fileKey := "sources." + strings.ToLower(s.name) + "." + strings.ToLower(key)
	if val := strings.TrimSpace(s.v.GetString(fileKey)); val != "" {
		return val, true
	}
	return "", false
}

func lookupDefault(p SecretProvider, key, def string) string {
	if val, ok := p.Lookup(key); ok {
		return val
	}
	return def
}

// ResolveSource turns the secrets of one source into immutable configs.
// Authentication material is not checked here; the retriever does that at
// connect time.
func ResolveSource(name string, secrets SecretProvider, cfg *Config) (domain.Source, error) {
	port := domain.DefaultPort
	if raw, ok := secrets.Lookup(KeyPort); ok {
		p, err := strconv.Atoi(raw)
		if err != nil || p <= 0 || p > 65535 {
			return domain.Source{}, domain.ConfigError(name, domain.StageConnect, "invalid %s %q", KeyPort, raw)
		}
		port = p
	}

	hostname, ok := secrets.Lookup(KeyHostname)
	if !ok {
		return domain.Source{}, domain.ConfigError(name, domain.StageConnect, "%s is required", KeyHostname)
	}
	username, ok := secrets.Lookup(KeyUsername)
	if !ok {
		return domain.Source{}, domain.ConfigError(name, domain.StageConnect, "%s is required", KeyUsername)
	}

	password, _ := secrets.Lookup(KeyPassword)
	localPath := expandHome(lookupDefault(secrets, KeyLocalPath, domain.DefaultLocalPath))
	extension := lookupDefault(secrets, KeyTargetFileType, domain.DefaultExtension)

	remote := domain.SourceConfig{
		Name:           name,
		Hostname:       hostname,
		Port:           port,
		Username:       username,
		Password:       password,
		KeyPath:        expandHome(lookupDefault(secrets, KeyPathToKey, "")),
		KnownHostsPath: expandHome(lookupDefault(secrets, KeyKnownHosts, "")),
		RemotePath:     lookupDefault(secrets, KeyRemotePath, domain.DefaultRemotePath),
		Extension:      extension,
		LocalPath:      localPath,
		MinRSABits:     domain.DefaultMinRSABits,
	}

	dest := domain.DestinationConfig{
		StagingDir: localPath,
		SentDir:    expandHome(lookupDefault(secrets, KeySentItemsPath, domain.DefaultSentPath)),
		Bucket:     lookupDefault(secrets, KeyBucketName, domain.DefaultBucket),
		KeyPrefix:  lookupDefault(secrets, KeyKeyPrefix, ""),
		Extension:  extension,
		Collision:  domain.CollisionVersion,
	}

	if cfg != nil {
		if cfg.Transfer.MinRSABits > 0 {
			remote.MinRSABits = cfg.Transfer.MinRSABits
		}
		if cfg.Transfer.Collision != "" {
			dest.Collision = cfg.Transfer.Collision
		}
		dest.CredentialsPath = cfg.Storage.GCSCredentialsPath
	}
	if path, ok := secrets.Lookup(KeyCredentialsPath); ok {
		dest.CredentialsPath = expandHome(path)
	}

	return domain.Source{Name: name, Remote: remote, Destination: dest}, nil
}
