// internal/domain/models.go
package domain

import (
	"net"
	"strconv"
	"time"
)

const (
	DefaultPort       = 22
	DefaultRemotePath = "/REPORTS"
	DefaultExtension  = ".csv"
	DefaultLocalPath  = "."
	DefaultSentPath   = "./sent"
	DefaultBucket     = "aci_raw"

	// DefaultMinRSABits is the smallest RSA key the remote servers accept.
	DefaultMinRSABits = 4096
)

// SourceConfig holds the connection parameters for one remote SFTP source.
type SourceConfig struct {
	Name           string
	Hostname       string
	Port           int
	Username       string
	Password       string
	KeyPath        string
	KnownHostsPath string
	RemotePath     string
	Extension      string
	LocalPath      string
	MinRSABits     int
}

// Addr returns the host:port pair used to dial the server.
func (c SourceConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Hostname, strconv.Itoa(port))
}

// CollisionPolicy decides what happens when a file with the same name is
// already present in the sent directory.
type CollisionPolicy string

const (
	// CollisionVersion keeps the existing file and stores the new one under a
	// timestamped name.
	CollisionVersion CollisionPolicy = "version"
	// CollisionOverwrite replaces the existing file.
	CollisionOverwrite CollisionPolicy = "overwrite"
)

// DestinationConfig holds the staging and cloud parameters for one source.
type DestinationConfig struct {
	StagingDir      string
	SentDir         string
	Bucket          string
	CredentialsPath string
	KeyPrefix       string
	Extension       string
	Collision       CollisionPolicy
}

// Source pairs a remote origin with its upload destination.
type Source struct {
	Name        string
	Remote      SourceConfig
	Destination DestinationConfig
	// Err is set when the source configuration could not be resolved.
	Err error
}

// TransferOptions tunes how files of a single source are processed.
type TransferOptions struct {
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	FileWorkers      int
}

// Workers returns the effective number of concurrent file transfers.
func (o TransferOptions) Workers() int {
	if o.FileWorkers < 1 {
		return 1
	}
	return o.FileWorkers
}
