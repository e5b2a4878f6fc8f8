// Package config parses the server's command-line flags, falling back to
// environment variables (optionally loaded from a .env file) the way the
// teacher repository's env-first configuration does.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/rtmpfanout/rtmpfanout/internal/logging"
)

const (
	defaultRTMPPort        = 1935
	defaultHTTPFLVPort     = 0
	defaultWSH264Port      = 0
	defaultWSFMP4Port      = 0
	defaultHTTPPlayerPort  = 0
	defaultIPConnLimit     = 8
	defaultStreamKeyMaxLen = 255
)

// Config holds the fully resolved runtime configuration.
type Config struct {
	BindAddress string

	RTMPPort       int
	HTTPFLVPort    int
	WSH264Port     int
	WSFMP4Port     int
	HTTPPlayerPort int

	IPConnectionLimit uint32
	IPWhitelist       string

	StreamIDMaxLength int

	OutChunkSize uint32
}

// Parse reads .env (if present), then flags, then returns the resolved
// config. Flags win over environment variables.
func Parse(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logging.Warning(".env could not be loaded", "error", err.Error())
	}

	fs := flag.NewFlagSet("rtmp-fanout-server", flag.ContinueOnError)

	cfg := &Config{}

	fs.StringVar(&cfg.BindAddress, "bind-address", os.Getenv("BIND_ADDRESS"), "address to bind listeners to")

	fs.IntVar(&cfg.RTMPPort, "rtmp-port", envInt("RTMP_PORT", defaultRTMPPort), "RTMP ingest+playback listener port (0 disables)")
	fs.IntVar(&cfg.HTTPFLVPort, "http-flv-port", envInt("HTTP_FLV_PORT", defaultHTTPFLVPort), "HTTP-FLV delivery port (0 disables)")
	fs.IntVar(&cfg.WSH264Port, "ws-h264-port", envInt("WS_H264_PORT", defaultWSH264Port), "WebSocket raw-H264 delivery port (0 disables)")
	fs.IntVar(&cfg.WSFMP4Port, "ws-fmp4-port", envInt("WS_FMP4_PORT", defaultWSFMP4Port), "WebSocket fMP4 delivery port (0 disables)")
	fs.IntVar(&cfg.HTTPPlayerPort, "http-player-port", envInt("HTTP_PLAYER_PORT", defaultHTTPPlayerPort), "static player page port (0 disables)")

	var ipLimit int
	fs.IntVar(&ipLimit, "max-ip-connections", envInt("MAX_IP_CONCURRENT_CONNECTIONS", defaultIPConnLimit), "max concurrent connections per IP")
	fs.StringVar(&cfg.IPWhitelist, "ip-whitelist", os.Getenv("CONCURRENT_LIMIT_WHITELIST"), "comma-separated IP ranges exempt from the per-IP limit")

	fs.IntVar(&cfg.StreamIDMaxLength, "stream-id-max-length", envInt("STREAM_ID_MAX_LENGTH", defaultStreamKeyMaxLen), "max length of app/stream-key path segments")

	var chunkSize int
	fs.IntVar(&chunkSize, "out-chunk-size", envInt("RTMP_CHUNK_SIZE", 4096), "outgoing RTMP chunk size")

	var showVersion bool
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.BoolVar(&showVersion, "V", false, "print version and exit (shorthand)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if showVersion {
		fmt.Println("rtmp-fanout-server 1.0.0")
		os.Exit(0)
	}

	if ipLimit > 0 {
		cfg.IPConnectionLimit = uint32(ipLimit)
	} else {
		cfg.IPConnectionLimit = defaultIPConnLimit
	}

	if chunkSize > 0 {
		cfg.OutChunkSize = uint32(chunkSize)
	} else {
		cfg.OutChunkSize = 4096
	}

	return cfg, nil
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
