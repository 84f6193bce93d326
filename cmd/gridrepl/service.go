package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gridrepl/gridrepl/internal/svc"
)

var (
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the gridrepl system service",
		Long: `Install, control, and manage the gridrepl agent as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  # Install the agent
  sudo gridrepl service install --config /etc/gridrepl/gridrepl.yaml

  # Control the service
  sudo gridrepl service start
  sudo gridrepl service stop
  sudo gridrepl service status

  # View logs
  sudo gridrepl service logs --follow`,
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install gridrepl as a system service",
		Long: `Install the gridrepl agent as a system service that starts automatically at boot.

Requires administrator/root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "Run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "Force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the gridrepl system service",
		RunE:  runServiceUninstall,
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the gridrepl service", capitalize(action)),
			RunE:  runServiceControl(action),
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show gridrepl service status",
		RunE:  runServiceStatus,
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View gridrepl service logs",
		Long: `View logs from the gridrepl service.

Log locations by platform:
  - Linux:   journalctl -u gridrepl
  - macOS:   /var/log/gridrepl.{out,err}.log
  - Windows: Event Viewer > Application log`,
		RunE: runServiceLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "Number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	runCmd := &cobra.Command{
		Use:    "run",
		Short:  "Run the agent under the service manager",
		Hidden: true,
		RunE:   runServiceRun,
	}
	serviceCmd.AddCommand(runCmd)

	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "Service name (default: gridrepl)")

	return serviceCmd
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func getServiceConfig() *svc.ServiceConfig {
	name := serviceName
	if name == "" {
		name = svc.DefaultServiceName
	}

	configPath := cfgFile
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}

	return &svc.ServiceConfig{
		Name:       name,
		ConfigPath: configPath,
		UserName:   serviceUser,
		LogLevel:   logLevel,
	}
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()

	// Validate the config before the service manager starts failing on it.
	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate the config file first or specify a different path with --config", cfg.ConfigPath)
	}
	if _, err := loadConfig(cfg.ConfigPath); err != nil {
		return err
	}

	log.Info().
		Str("name", cfg.Name).
		Str("config", cfg.ConfigPath).
		Msg("installing service")

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Service %q installed successfully.\n", cfg.Name)
	fmt.Fprintf(out, "\nTo start the service:\n")
	fmt.Fprintf(out, "  gridrepl service start --name %s\n", cfg.Name)
	fmt.Fprintf(out, "\nTo view logs:\n")
	fmt.Fprintf(out, "  gridrepl service logs --name %s\n", cfg.Name)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	log.Info().Str("name", cfg.Name).Msg("uninstalling service")

	if err := svc.Uninstall(cfg); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled successfully.\n", cfg.Name)
	return nil
}

func runServiceControl(action string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := svc.CheckPrivileges(); err != nil {
			return err
		}

		cfg := getServiceConfig()
		log.Info().Str("name", cfg.Name).Str("action", action).Msg("controlling service")

		if err := svc.Control(cfg, action); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s done.\n", cfg.Name, action)
		return nil
	}
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()

	status, err := svc.Status(cfg)
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Service: %s\n", cfg.Name)
	fmt.Fprintf(out, "Status:  %s\n", svc.StatusString(status))
	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()
	return svc.ViewLogs(svc.LogOptions{
		ServiceName: cfg.Name,
		Follow:      logsFollow,
		Lines:       logsLines,
	})
}

func runServiceRun(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()

	log.Info().
		Str("name", cfg.Name).
		Str("config", cfg.ConfigPath).
		Str("version", Version).
		Msg("starting as service")

	prg := &svc.Program{
		ConfigPath: cfg.ConfigPath,
		Run:        runFromService,
	}
	return svc.Run(prg, cfg)
}
