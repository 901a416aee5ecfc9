// Binary memsim runs the kernel's physical and virtual memory managers
// against simulated RAM on the host.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(summaryCmd), "")
	subcommands.Register(new(allocCmd), "")
	subcommands.Register(new(mapCmd), "")

	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}

// machineFlags holds the flags shared by every command that needs a machine.
type machineFlags struct {
	configPath string
}

func (mf *machineFlags) setFlags(f *flag.FlagSet) {
	f.StringVar(&mf.configPath, "config", "", "path to a TOML machine description; the default is a 64Mb qemu machine")
}

// loadMachine reads the machine config, applies its log level and builds the
// machine. Errors are logged and turned into an exit status.
func (mf *machineFlags) loadMachine() (*machine, subcommands.ExitStatus) {
	cfg, err := loadConfig(mf.configPath)
	if err != nil {
		logrus.WithError(err).Error("invalid machine config")
		return nil, subcommands.ExitUsageError
	}

	level, _ := logrus.ParseLevel(cfg.LogLevel)
	logrus.SetLevel(level)

	m, err := newMachine(cfg)
	if err != nil {
		logrus.WithError(err).Error("failed to create machine")
		return nil, subcommands.ExitFailure
	}
	return m, subcommands.ExitSuccess
}

// closeMachine releases m, logging any failure.
func closeMachine(m *machine) {
	if err := m.Close(); err != nil {
		logrus.WithError(err).Warn("failed to release simulated RAM")
	}
}
