package coremain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pmkol/hostcache/mlog"
)

var svcCfg = &service.Config{
	Name:        "hostcache",
	DisplayName: "hostcache",
	Description: "A caching DNS resolver.",
}

var _service service.Service

// serverService runs StartServer under a service manager.
type serverService struct {
	f *serverFlags

	cancel context.CancelFunc
	done   chan struct{}
}

func (ss *serverService) Start(s service.Service) error {
	mlog.L().Info("starting service", zap.String("platform", s.Platform()))
	ctx, cancel := context.WithCancel(context.Background())
	ss.cancel = cancel
	ss.done = make(chan struct{})
	go func() {
		defer close(ss.done)
		if err := StartServer(ctx, ss.f); err != nil {
			mlog.L().Error("server exited", zap.Error(err))
			os.Exit(1)
		}
		mlog.L().Info("server exited")
	}()
	return nil
}

func (ss *serverService) Stop(service.Service) error {
	if ss.cancel == nil {
		return nil
	}
	mlog.L().Info("service is shutting down")
	ss.cancel()
	<-ss.done
	return nil
}

func initService(_ *cobra.Command, _ []string) error {
	svc, err := service.New(&serverService{}, svcCfg)
	if err != nil {
		return fmt.Errorf("failed to init service, %w", err)
	}
	_service = svc
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	sf := new(serverFlags)
	c := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install hostcache as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(sf.dir) == 0 {
				return errors.New("working dir is required")
			}
			wd, err := filepath.Abs(sf.dir)
			if err != nil {
				return fmt.Errorf("failed to resolve working dir, %w", err)
			}
			svcCfg.Arguments = []string{"start", "--as-service", "-d", wd}
			if len(sf.c) > 0 {
				svcCfg.Arguments = append(svcCfg.Arguments, "-c", sf.c)
			}
			svc, err := service.New(&serverService{}, svcCfg)
			if err != nil {
				return fmt.Errorf("failed to init service, %w", err)
			}
			return svc.Install()
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&sf.dir, "dir", "d", "", "working dir")
	c.Flags().StringVarP(&sf.c, "config", "c", "", "config path")
	return c
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall hostcache from system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return _service.Uninstall()
		},
		SilenceUsage: true,
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start hostcache system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return _service.Start()
		},
		SilenceUsage: true,
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop hostcache system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return _service.Stop()
		},
		SilenceUsage: true,
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart hostcache system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return _service.Restart()
		},
		SilenceUsage: true,
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Status of hostcache system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := _service.Status()
			if err != nil {
				return fmt.Errorf("cannot get service status, %w", err)
			}
			var out string
			switch s {
			case service.StatusRunning:
				out = "running"
			case service.StatusStopped:
				out = "stopped"
			default:
				out = "unknown"
			}
			fmt.Println(out)
			return nil
		},
		SilenceUsage: true,
	}
}
