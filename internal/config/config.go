// Package config loads the daemon configuration. The storage, network,
// boot-disk, and logging settings come from the VMAN_* environment
// variables, each with a built-in default; the listen addresses and the
// Observer interval come from command-line flags only.
package config

import (
	"flag"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	StoragePath string
	DryRun      bool

	VLANID     int
	BridgeName string
	Subnet     string
	Gateway    string
	DNS        []string

	DefaultBootDisk string

	LogLevel       string
	LogFile        string
	LogDir         string
	LogMaxBytes    int64
	LogBackupCount int

	HTTPAddr     string
	MetadataAddr string

	ObserverInterval float64 // seconds, capped at 5
}

// Load parses flags (none are required) and reads the VMAN_* environment
// variables via viper's AutomaticEnv, returning a Config.
// fs is normally flag.CommandLine; a dedicated FlagSet is used in tests.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VMAN")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("storage_path", "/var/lib/vman")
	v.SetDefault("operator_dry_run", false)
	v.SetDefault("vlan_id", 100)
	v.SetDefault("bridge_name", "br-vman")
	v.SetDefault("subnet", "192.168.100.0/24")
	v.SetDefault("gateway", "")
	v.SetDefault("dns", "8.8.8.8,8.8.4.4")
	v.SetDefault("default_boot_disk", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("log_dir", "")
	v.SetDefault("log_max_bytes", 10*1024*1024)
	v.SetDefault("log_backup_count", 5)

	var (
		httpAddr     = fs.String("http-addr", ":8080", "address for the REST API to listen on")
		metadataAddr = fs.String("metadata-addr", "169.254.169.254:80", "address for the EC2 metadata service to listen on")
		interval     = fs.Float64("observer-interval", 5.0, "Observer reconciliation interval in seconds (capped at 5)")
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	dryRun := v.GetBool("operator_dry_run")

	var dns []string
	if s := v.GetString("dns"); s != "" {
		dns = strings.Split(s, ",")
	}

	maxBytes, err := strconv.ParseInt(v.GetString("log_max_bytes"), 10, 64)
	if err != nil {
		maxBytes = v.GetInt64("log_max_bytes")
	}

	checkInterval := *interval
	if checkInterval <= 0 || checkInterval > 5 {
		checkInterval = 5
	}

	return &Config{
		StoragePath:      v.GetString("storage_path"),
		DryRun:           dryRun,
		VLANID:           v.GetInt("vlan_id"),
		BridgeName:       v.GetString("bridge_name"),
		Subnet:           v.GetString("subnet"),
		Gateway:          v.GetString("gateway"),
		DNS:              dns,
		DefaultBootDisk:  v.GetString("default_boot_disk"),
		LogLevel:         v.GetString("log_level"),
		LogFile:          v.GetString("log_file"),
		LogDir:           v.GetString("log_dir"),
		LogMaxBytes:      maxBytes,
		LogBackupCount:   v.GetInt("log_backup_count"),
		HTTPAddr:         *httpAddr,
		MetadataAddr:     *metadataAddr,
		ObserverInterval: checkInterval,
	}, nil
}
