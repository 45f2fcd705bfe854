// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/winsvc/eventlog"
	"github.com/btcsuite/winsvc/mgr"
	"github.com/btcsuite/winsvc/svc"
	"github.com/jemcash/jnoded/internal/version"
)

const (
	// svcName is the name the service control manager knows jnoded by.
	svcName = "jnodedsvc"

	// svcDisplayName is only shown in the services list.
	svcDisplayName = "JemCash Jnode Daemon"

	svcDesc = "Keeps the JemCash jnode list and payment votes in sync with " +
		"the network and, when configured with a jnode key, keeps the " +
		"local jnode announced and pinging."

	// svcStateTimeout bounds how long a stop waits for the service to
	// report the requested state.
	svcStateTimeout = 10 * time.Second
)

// Event log identifiers.
const (
	eventStarted uint32 = iota + 1
	eventStopped
	eventFailure
)

// elog is used to send messages to the Windows event log.
var elog *eventlog.Log

// jnodeStartEvent describes the running daemon for the event log: where its
// caches live and whether it runs a local jnode.
func jnodeStartEvent(s *server) string {
	var b strings.Builder
	fmt.Fprintf(&b, "jnoded %s on %s\n", version.String(), s.params.Name)
	fmt.Fprintf(&b, "Configuration: %s\n", cfg.ConfigFile)
	fmt.Fprintf(&b, "Jnode caches: %s (%s)\n", cfg.DataDir, cfg.DbType)
	fmt.Fprintf(&b, "Known jnodes: %d\n", s.jnodes.Size())
	if s.active.IsJnode() {
		fmt.Fprintf(&b, "Local jnode: %s, %s\n", s.active.Service(),
			s.active.Status())
	} else {
		b.WriteString("Local jnode: disabled\n")
	}
	return b.String()
}

// jnodedService runs jnodedMain under the service control manager.
type jnodedService struct{}

// Execute is called by winsvc when the service starts.  jnodedMain runs in
// its own goroutine and stop or shutdown requests are turned into a shutdown
// request for it.
func (*jnodedService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepts = svc.AcceptStop | svc.AcceptShutdown
	changes <- svc.Status{State: svc.StartPending}

	started := make(chan *server)
	done := make(chan error, 1)
	go func() {
		done <- jnodedMain(started)
	}()

	changes <- svc.Status{State: svc.Running, Accepts: accepts}

	var stopping bool
	for {
		select {
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus

			case svc.Stop, svc.Shutdown:
				if stopping {
					continue
				}
				stopping = true
				changes <- svc.Status{State: svc.StopPending}
				shutdownRequestChannel <- struct{}{}

			default:
				elog.Warning(eventFailure, fmt.Sprintf("Ignoring "+
					"unexpected control request #%d", c.Cmd))
			}

		case s := <-started:
			elog.Info(eventStarted, jnodeStartEvent(s))

		case err := <-done:
			if err != nil {
				elog.Error(eventFailure, err.Error())
			} else {
				elog.Info(eventStopped, "jnoded stopped, jnode "+
					"caches saved")
			}
			changes <- svc.Status{State: svc.Stopped}
			return false, 0
		}
	}
}

// withService connects to the service control manager and calls f with the
// installed jnoded service.
func withService(f func(*mgr.Service) error) error {
	m, err := mgr.Connect()
	if err != nil {
		return err
	}
	defer m.Disconnect()

	s, err := m.OpenService(svcName)
	if err != nil {
		return fmt.Errorf("service %s is not installed: %v", svcName, err)
	}
	defer s.Close()
	return f(s)
}

// executablePath returns the absolute path of the running binary.  os.Args[0]
// lacks the extension when started from cmd.exe.
func executablePath() (string, error) {
	path, err := filepath.Abs(os.Args[0])
	if err != nil {
		return "", err
	}
	if filepath.Ext(path) == "" {
		path += ".exe"
	}
	return path, nil
}

// installJnodeService registers jnoded to start with the machine and sets
// up its event log source.  The EventCreate message file is used so no
// message catalog has to ship with the binary.
func installJnodeService() error {
	exe, err := executablePath()
	if err != nil {
		return err
	}

	m, err := mgr.Connect()
	if err != nil {
		return err
	}
	defer m.Disconnect()

	if s, err := m.OpenService(svcName); err == nil {
		s.Close()
		return fmt.Errorf("service %s already exists", svcName)
	}
	s, err := m.CreateService(svcName, exe, mgr.Config{
		DisplayName: svcDisplayName,
		Description: svcDesc,
		StartType:   mgr.StartAutomatic,
	})
	if err != nil {
		return err
	}
	s.Close()

	eventlog.Remove(svcName)
	return eventlog.InstallAsEventCreate(svcName,
		eventlog.Error|eventlog.Warning|eventlog.Info)
}

// removeJnodeService unregisters jnoded.  The event log source stays so
// earlier jnoded events remain readable.
func removeJnodeService() error {
	return withService(func(s *mgr.Service) error {
		return s.Delete()
	})
}

func startJnodeService() error {
	return withService(func(s *mgr.Service) error {
		if err := s.Start(os.Args); err != nil {
			return fmt.Errorf("could not start service: %v", err)
		}
		return nil
	})
}

// stopJnodeService asks the service to stop and waits until it has saved
// its caches and exited.
func stopJnodeService() error {
	return withService(func(s *mgr.Service) error {
		status, err := s.Control(svc.Stop)
		if err != nil {
			return fmt.Errorf("could not stop service: %v", err)
		}
		deadline := time.Now().Add(svcStateTimeout)
		for status.State != svc.Stopped {
			if time.Now().After(deadline) {
				return fmt.Errorf("service still in state %d after %v",
					status.State, svcStateTimeout)
			}
			time.Sleep(300 * time.Millisecond)
			if status, err = s.Query(); err != nil {
				return fmt.Errorf("could not query service: %v", err)
			}
		}
		return nil
	})
}

var serviceCommands = map[string]func() error{
	"install": installJnodeService,
	"remove":  removeJnodeService,
	"start":   startJnodeService,
	"stop":    stopJnodeService,
}

// performServiceCommand runs the --service command given on the command
// line.
func performServiceCommand(command string) error {
	run, ok := serviceCommands[command]
	if !ok {
		return fmt.Errorf("invalid service command [%s]", command)
	}
	return run()
}

// serviceMain reports whether jnoded was launched by the service control
// manager and, if so, runs it as a service until it stops.
func serviceMain() (bool, error) {
	interactive, err := svc.IsAnInteractiveSession()
	if err != nil || interactive {
		return false, err
	}

	elog, err = eventlog.Open(svcName)
	if err != nil {
		return false, err
	}
	defer elog.Close()

	if err := svc.Run(svcName, &jnodedService{}); err != nil {
		elog.Error(eventFailure, fmt.Sprintf("Service start failed: %v", err))
		return true, err
	}
	return true, nil
}

func init() {
	runServiceCommand = performServiceCommand
	winServiceMain = serviceMain
}
