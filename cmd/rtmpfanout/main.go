// Command rtmpfanout runs the RTMP ingest and multi-transport fan-out
// server described by spec.md: one RTMP listener for ingest and playback,
// and three optional HTTP/WebSocket listeners for HTTP-FLV, WebSocket raw
// H.264, and WebSocket fMP4 egress, plus an optional static player page.
//
// Grounded on the teacher repository's RTMPServer.Start/AcceptConnections/
// HandleConnection acceptor loop (rtmp_server.go), generalized to drive
// internal/rtmp.Session against the standalone internal/hub.Hub instead of
// a server-embedded channel table, and to start sibling HTTP listeners for
// the egress adapters the teacher never had.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/rtmpfanout/rtmpfanout/internal/config"
	"github.com/rtmpfanout/rtmpfanout/internal/egress/httpflv"
	"github.com/rtmpfanout/rtmpfanout/internal/egress/wsfmp4"
	"github.com/rtmpfanout/rtmpfanout/internal/egress/wsh264"
	"github.com/rtmpfanout/rtmpfanout/internal/hub"
	"github.com/rtmpfanout/rtmpfanout/internal/ipguard"
	"github.com/rtmpfanout/rtmpfanout/internal/logging"
	"github.com/rtmpfanout/rtmpfanout/internal/player"
	"github.com/rtmpfanout/rtmpfanout/internal/rtmp"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logging.Info("rtmpfanout starting")
	defer logging.Sync()

	h := hub.New()
	guard := ipguard.New(cfg.IPConnectionLimit, cfg.IPWhitelist)

	var wg sync.WaitGroup
	var httpServers []*http.Server

	if cfg.RTMPPort != 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.RTMPPort)))
		if err != nil {
			logging.Error(err, "component", "rtmp-listener")
			os.Exit(1)
		}
		logging.Info("RTMP listening", "port", cfg.RTMPPort)

		wg.Add(1)
		go acceptRTMP(ln, h, guard, cfg, &wg)
	}

	if cfg.HTTPFLVPort != 0 {
		srv, ln := bindHTTPServer(cfg.BindAddress, cfg.HTTPFLVPort, "http-flv", func(r *gin.Engine) {
			httpflv.New(h).Register(r)
		})
		httpServers = append(httpServers, srv)
		startHTTPServer(srv, ln, "http-flv", cfg.HTTPFLVPort, &wg)
	}

	if cfg.WSH264Port != 0 {
		srv, ln := bindHTTPServer(cfg.BindAddress, cfg.WSH264Port, "ws-h264", func(r *gin.Engine) {
			wsh264.New(h).Register(r)
		})
		httpServers = append(httpServers, srv)
		startHTTPServer(srv, ln, "ws-h264", cfg.WSH264Port, &wg)
	}

	if cfg.WSFMP4Port != 0 {
		srv, ln := bindHTTPServer(cfg.BindAddress, cfg.WSFMP4Port, "ws-fmp4", func(r *gin.Engine) {
			wsfmp4.New(h).Register(r)
		})
		httpServers = append(httpServers, srv)
		startHTTPServer(srv, ln, "ws-fmp4", cfg.WSFMP4Port, &wg)
	}

	if cfg.HTTPPlayerPort != 0 {
		srv, ln := bindHTTPServer(cfg.BindAddress, cfg.HTTPPlayerPort, "player", func(r *gin.Engine) {
			player.New(cfg.WSH264Port).Register(r)
		})
		httpServers = append(httpServers, srv)
		startHTTPServer(srv, ln, "player", cfg.HTTPPlayerPort, &wg)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("shutting down")
	for _, srv := range httpServers {
		_ = srv.Close()
	}
	os.Exit(0)
}

// bindHTTPServer binds the listening socket synchronously, the same way the
// RTMP branch in main does, so a port conflict fails startup immediately
// instead of surfacing later from inside a goroutine.
func bindHTTPServer(bindAddress string, port int, name string, register func(*gin.Engine)) (*http.Server, net.Listener) {
	ln, err := net.Listen("tcp", net.JoinHostPort(bindAddress, strconv.Itoa(port)))
	if err != nil {
		logging.Error(err, "component", name+"-listener")
		os.Exit(1)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	register(r)

	return &http.Server{Handler: r}, ln
}

func startHTTPServer(srv *http.Server, ln net.Listener, name string, port int, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		logging.Info(name+" listening", "port", port)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error(err, "component", name)
		}
	}()
}

// acceptRTMP mirrors the teacher's AcceptConnections/HandleConnection pair:
// per-IP admission via ipguard, one goroutine per accepted connection
// running an internal/rtmp.Session to completion.
func acceptRTMP(ln net.Listener, h *hub.Hub, guard *ipguard.Guard, cfg *config.Config, wg *sync.WaitGroup) {
	defer wg.Done()
	defer ln.Close()

	sessionCfg := rtmp.DefaultConfig()
	sessionCfg.OutChunkSize = cfg.OutChunkSize
	sessionCfg.StreamIDMaxLength = cfg.StreamIDMaxLength
	sessionCfg.PlayWhitelist = cfg.IPWhitelist

	for {
		conn, err := ln.Accept()
		if err != nil {
			logging.Error(err, "component", "rtmp-accept")
			return
		}

		ip := conn.RemoteAddr().String()
		if host, _, splitErr := net.SplitHostPort(ip); splitErr == nil {
			ip = host
		}

		if !guard.Acquire(ip) {
			logging.Warning("connection rejected: too many concurrent connections", "ip", ip)
			conn.Close()
			continue
		}

		go func() {
			defer guard.Release(ip)

			sess := rtmp.NewSession(conn, h, sessionCfg)
			if err := sess.Serve(); err != nil {
				logging.Debug("rtmp session ended", "ip", ip, "error", err.Error())
			}
			conn.Close()
		}()
	}
}
