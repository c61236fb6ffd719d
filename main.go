// Demo binary: scan for a camera, attach to the first one found and log
// every detection and download until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"framefast.app/ptpkit/capture"
	"framefast.app/ptpkit/ptp"
)

type printDelegate struct {
	log *zap.Logger
}

func (p *printDelegate) SessionDidConnect(info *ptp.DeviceInfo) {
	p.log.Info("connected", zap.String("manufacturer", info.Manufacturer), zap.String("model", info.Model))
}

func (p *printDelegate) SessionDidDetectPhoto(photo capture.DetectedPhoto) {
	p.log.Info("photo detected", zap.String("filename", photo.Filename), zap.Uint64("size", photo.Size))
}

func (p *printDelegate) SessionDidCompleteDownload(photo capture.DetectedPhoto, data []byte) {
	p.log.Info("photo downloaded", zap.String("filename", photo.Filename), zap.Int("bytes", len(data)))
}

func (p *printDelegate) SessionDidSkipRaw(filename string) {
	p.log.Info("raw skipped", zap.String("filename", filename))
}

func (p *printDelegate) SessionDidFailDownload(handle uint32, err error) {
	p.log.Warn("download failed", zap.Uint32("handle", handle), zap.Error(err))
}

func (p *printDelegate) SessionDidFail(err error) {
	p.log.Error("session failed", zap.Error(err))
}

func (p *printDelegate) SessionDidDisconnect() {
	p.log.Info("disconnected")
}

// hotspotCandidates is the personal-hotspot DHCP range phones hand out to
// cameras, the usual first stop when no explicit IPs are given.
func hotspotCandidates() []string {
	ips := make([]string, 0, 19)
	for host := 2; host <= 20; host++ {
		ips = append(ips, fmt.Sprintf("172.20.10.%d", host))
	}
	return ips
}

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config")
		ipList     = flag.String("ips", "", "comma-separated candidate IPs (default: hotspot range)")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	logCfg := zap.NewDevelopmentConfig()
	if !*verbose {
		logCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	log, err := logCfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg := capture.DefaultConfig()
	if *configPath != "" {
		cfg, err = capture.LoadConfig(*configPath)
		if err != nil {
			log.Fatal("config", zap.Error(err))
		}
	}

	guidPath, err := capture.DefaultGUIDPath()
	if err != nil {
		log.Fatal("guid path", zap.Error(err))
	}
	guid, err := capture.LoadGUID(guidPath)
	if err != nil {
		log.Fatal("guid", zap.Error(err))
	}

	ips := hotspotCandidates()
	if *ipList != "" {
		ips = strings.Split(*ipList, ",")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scanner := capture.NewScanner(cfg, guid, func(u capture.ScanUpdate) {
		log.Debug("scan progress", zap.Int("wave", u.Wave), zap.String("ip", u.CurrentIP), zap.Int("found", u.Found))
	}, log)

	log.Info("scanning", zap.Int("candidates", len(ips)))
	cam, err := scanner.ScanFirst(ctx, ips)
	if err != nil {
		log.Fatal("no camera", zap.Error(err))
	}
	log.Info("camera selected", zap.String("name", cam.Name), zap.String("ip", cam.IP))

	session, err := capture.Attach(ctx, cam.Client, cfg, &printDelegate{log: log}, log)
	if err != nil {
		cam.Client.Close()
		log.Fatal("attach", zap.Error(err))
	}

	<-ctx.Done()
	log.Info("disconnecting")
	disconnectDone := make(chan struct{})
	go func() {
		session.Disconnect()
		close(disconnectDone)
	}()
	select {
	case <-disconnectDone:
	case <-time.After(10 * time.Second):
		log.Warn("disconnect timed out")
	}
}
