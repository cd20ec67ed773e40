package main

import (
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/the-lightning-land/softwared/appliance"
	"github.com/the-lightning-land/softwared/bootenv"
	"github.com/the-lightning-land/softwared/cache"
	"github.com/the-lightning-land/softwared/partition"
	"github.com/the-lightning-land/softwared/remount"
	"github.com/the-lightning-land/softwared/squash"
)

const (
	defaultConfigFile     = "/etc/softwared/softwared.conf"
	defaultUpdateConfig   = "/etc/softwared/update.yaml"
	defaultDataDir        = "/var/lib/softwared"
	defaultPackageDir     = "/run/softwared/packages"
	defaultAPIListen      = "localhost:9090"
	defaultMaxConnections = 32
)

type profilingConfig struct {
	Listen string `long:"listen" description:"Enable the profiling server on the given address"`
}

type apiConfig struct {
	Listen         string `long:"listen" description:"Address the HTTP API listens on"`
	MaxConnections int    `long:"maxconnections" description:"Maximum number of concurrent API connections"`
}

type packagesConfig struct {
	MountHelper   string `long:"mounthelper" description:"Tool mounting update packages"`
	UnmountHelper string `long:"unmounthelper" description:"Tool unmounting update packages"`
	MountDir      string `long:"mountdir" description:"Directory update packages are mounted below"`
	RemountUnit   string `long:"remountunit" description:"Systemd unit remounting the root file system writable"`
}

type recoveryConfig struct {
	Device     string `long:"device" description:"Recovery partition device"`
	MountPoint string `long:"mountpoint" description:"Where the recovery partition is mounted"`
	FSType     string `long:"fstype" description:"File system of the recovery partition"`
	SetEnvTool string `long:"setenvtool" description:"Tool setting boot loader variables"`
}

type remoteConfig struct {
	Enabled       bool          `long:"enabled" description:"Follow a target version set by a remote party"`
	PreferredType string        `long:"preferredtype" description:"Update type checked for when following a target" choice:"incremental" choice:"recovery"`
	SettleDelay   time.Duration `long:"settledelay" description:"Pause between check, download and apply"`
}

type applicationsConfig struct {
	Enabled       bool          `long:"enabled" description:"Manage applications through the package backend"`
	CheckInterval time.Duration `long:"checkinterval" description:"Time between automatic application update checks"`
	RetryInterval time.Duration `long:"retryinterval" description:"Time to wait after a failed automatic check"`
}

type config struct {
	ConfigFile  string `long:"configfile" description:"Path to configuration file"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	Debug       bool   `long:"debug" description:"Start in debug mode"`
	LogFormat   string `long:"logformat" description:"Log output format" choice:"text" choice:"json"`

	DataDir      string `long:"datadir" description:"Directory of the state database"`
	CacheDir     string `long:"cachedir" description:"Directory downloaded updates are kept in"`
	UpdateConfig string `long:"updateconfig" description:"Path to the update source configuration"`
	Manifest     string `long:"manifest" description:"Path to the appliance manifest"`
	MachineID    string `long:"machineid" description:"Path to the machine id"`

	Profiling    profilingConfig    `group:"Profiling" namespace:"profiling"`
	API          apiConfig          `group:"API" namespace:"api"`
	Packages     packagesConfig     `group:"Packages" namespace:"packages"`
	Recovery     recoveryConfig     `group:"Recovery" namespace:"recovery"`
	Remote       remoteConfig       `group:"Remote" namespace:"remote"`
	Applications applicationsConfig `group:"Applications" namespace:"applications"`
}

func defaultConfig() config {
	return config{
		ConfigFile:   defaultConfigFile,
		LogFormat:    "text",
		DataDir:      defaultDataDir,
		CacheDir:     cache.DefaultRoot,
		UpdateConfig: defaultUpdateConfig,
		Manifest:     appliance.DefaultManifestPath,
		MachineID:    appliance.DefaultMachineIDPath,
		API: apiConfig{
			Listen:         defaultAPIListen,
			MaxConnections: defaultMaxConnections,
		},
		Packages: packagesConfig{
			MountHelper:   squash.DefaultMountHelper,
			UnmountHelper: squash.DefaultUnmountHelper,
			MountDir:      defaultPackageDir,
			RemountUnit:   remount.DefaultUnit,
		},
		Recovery: recoveryConfig{
			Device:     partition.DefaultDevice,
			MountPoint: partition.DefaultMountPoint,
			FSType:     partition.DefaultFSType,
			SetEnvTool: bootenv.DefaultSetEnvTool,
		},
		Remote: remoteConfig{
			PreferredType: "recovery",
		},
	}
}

// loadConfig starts from the defaults, applies the config file and then the
// command line, which wins over the file.
func loadConfig() (*config, error) {
	// Pre-parse the command line to find the config file
	preCfg := defaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	if preCfg.ShowVersion {
		return &preCfg, nil
	}

	cfg := defaultConfig()
	parser := flags.NewParser(&cfg, flags.Default)

	err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok || preCfg.ConfigFile != defaultConfigFile {
			return nil, err
		}
	}

	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if cfg.API.MaxConnections < 1 {
		return nil, &flags.Error{
			Type:    flags.ErrInvalidChoice,
			Message: "api.maxconnections must be at least 1",
		}
	}

	return &cfg, nil
}
