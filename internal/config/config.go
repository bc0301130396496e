package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8080"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/termgate.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/termgate.log"`
	DockerHost   string `envconfig:"DOCKER_HOST" default:""`
	AdminToken   string `envconfig:"ADMIN_TOKEN" default:""`

	// Session container settings
	SessionImage string `envconfig:"SESSION_IMAGE" default:"termgate/session:latest"`
	SessionShell string `envconfig:"SESSION_SHELL" default:"/bin/bash"`
	CPULimit     string `envconfig:"CPU_LIMIT" default:"1000m"`
	MemoryLimit  string `envconfig:"MEMORY_LIMIT" default:"1Gi"`
	NetworkName  string `envconfig:"NETWORK_NAME" default:"termgate"`

	// Optional YAML file that overrides the session policy block below.
	PolicyPath string `envconfig:"POLICY_PATH" default:""`

	// Session policy
	MaxSessionDuration time.Duration `envconfig:"MAX_SESSION_DURATION" default:"4h"`
	MaxIdleTime        time.Duration `envconfig:"MAX_IDLE_TIME" default:"30m"`
	OrphanGrace        time.Duration `envconfig:"ORPHAN_GRACE" default:"5m"`
	AuthTimeout        time.Duration `envconfig:"AUTH_TIMEOUT" default:"10s"`
	OutputBufferLines  int           `envconfig:"OUTPUT_BUFFER_LINES" default:"1000"`

	// Background schedules (cron specs)
	MonitorSchedule   string `envconfig:"MONITOR_SCHEDULE" default:"@every 1m"`
	ReconcileSchedule string `envconfig:"RECONCILE_SCHEDULE" default:"@every 5m"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TERMGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.PolicyPath != "" {
		if err := applyPolicyFile(Cfg.PolicyPath, &Cfg); err != nil {
			log.Printf("WARNING: policy file %s not applied: %v", Cfg.PolicyPath, err)
		}
	}
}
