// Package config reads process configuration from a .env file and the
// environment, and resolves which game server a client should dial.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	DefaultGameAddress = "127.0.0.1"
	DefaultGamePort    = 28960
	DefaultHTTPAddr    = ":8080"
	DefaultServerInfo  = "server_info.json"
	DefaultRacetrack   = "harbour"
	DefaultLaps        = 3
)

var ErrNoServerInfo = errors.New("config: no server info")

type Server struct {
	GameAddress    string
	GamePort       int
	HTTPAddr       string
	Name           string
	Racetrack      string
	Laps           uint8
	UpdateRate     int
	Moderators     []string
	ModeratorSeats int
	DatabaseURL    string
	RedisAddr      string
	// AdvertiseAddress is the host or host:port published to the master
	// server. Needed when GameAddress is a wildcard bind address.
	AdvertiseAddress string
	// IdentityURL enables the web identity service when set.
	IdentityURL string
	LogLevel    string
}

// ListenAddr is the shared host:port of both game channels.
func (s Server) ListenAddr() string {
	return net.JoinHostPort(s.GameAddress, strconv.Itoa(s.GamePort))
}

// AdvertiseAddr is the host:port clients should dial. A missing port in
// AdvertiseAddress means GamePort. Without an AdvertiseAddress a wildcard
// bind address is replaced by DefaultGameAddress and ok is false.
func (s Server) AdvertiseAddr() (addr string, ok bool) {
	if s.AdvertiseAddress != "" {
		if _, _, err := net.SplitHostPort(s.AdvertiseAddress); err == nil {
			return s.AdvertiseAddress, true
		}
		return net.JoinHostPort(s.AdvertiseAddress, strconv.Itoa(s.GamePort)), true
	}
	host := s.GameAddress
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		return net.JoinHostPort(DefaultGameAddress, strconv.Itoa(s.GamePort)), false
	}
	return s.ListenAddr(), true
}

type Client struct {
	// GameAddress and GamePort are empty when the environment leaves them unset.
	GameAddress string
	GamePort    int
	ServerInfo  string
	ServerName  string
	AccessKey   string
	RedisAddr   string
	LogLevel    string
}

// LoadEnv loads the given .env files (".env" when none are named) into the
// environment. Missing files are not an error; variables already set win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

func LoadServer() (Server, error) {
	s := Server{
		GameAddress: getString("GAME_ADDRESS", "0.0.0.0"),
		HTTPAddr:    getString("HTTP_ADDR", DefaultHTTPAddr),
		Name:        getString("SERVER_NAME", "racenet"),
		Racetrack:   getString("RACETRACK", DefaultRacetrack),
		Moderators:  getList("MODERATOR_LICENSES"),
		DatabaseURL: getString("DATABASE_URL", ""),
		RedisAddr:   getString("REDIS_ADDR", ""),
		IdentityURL: getString("IDENTITY_URL", ""),
		LogLevel:    getString("LOG_LEVEL", "info"),

		AdvertiseAddress: getString("ADVERTISE_ADDRESS", ""),
	}
	var err error
	if s.GamePort, err = getInt("GAME_PORT", DefaultGamePort); err != nil {
		return Server{}, err
	}
	if s.UpdateRate, err = getInt("UPDATE_RATE", 0); err != nil {
		return Server{}, err
	}
	if s.ModeratorSeats, err = getInt("MODERATOR_SEATS", 0); err != nil {
		return Server{}, err
	}
	laps, err := getInt("LAPS", DefaultLaps)
	if err != nil {
		return Server{}, err
	}
	if laps <= 0 || laps > 255 {
		return Server{}, fmt.Errorf("config: LAPS out of range: %d", laps)
	}
	s.Laps = uint8(laps)
	return s, nil
}

func LoadClient() (Client, error) {
	c := Client{
		GameAddress: getString("GAME_ADDRESS", ""),
		ServerInfo:  getString("SERVER_INFO", DefaultServerInfo),
		ServerName:  getString("SERVER_NAME", ""),
		AccessKey:   getString("ACCESS_KEY", ""),
		RedisAddr:   getString("REDIS_ADDR", ""),
		LogLevel:    getString("LOG_LEVEL", "info"),
	}
	var err error
	if c.GamePort, err = getInt("GAME_PORT", 0); err != nil {
		return Client{}, err
	}
	return c, nil
}

// ServerInfo is the server_info.json file a launcher drops next to the client.
type ServerInfo struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func ReadServerInfo(path string) (ServerInfo, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ServerInfo{}, fmt.Errorf("%w: %s", ErrNoServerInfo, path)
	}
	if err != nil {
		return ServerInfo{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var info ServerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ServerInfo{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if info.IP == "" || info.Port <= 0 || info.Port > 65535 {
		return ServerInfo{}, fmt.Errorf("config: %s: missing ip or port", path)
	}
	return info, nil
}

// Lookup finds a running server by name. *registry.Registry implements it.
type Lookup interface {
	Lookup(ctx context.Context, name string) (string, error)
}

type Source string

const (
	SourceRegistry   Source = "registry"
	SourceServerInfo Source = "server_info"
	SourceEnv        Source = "env"
	SourceDefault    Source = "default"
)

// ResolveServerAddress picks the server to dial. The master-server registry
// wins, then server_info.json, then GAME_ADDRESS/GAME_PORT, then the default.
// A failing source is logged and skipped.
func ResolveServerAddress(ctx context.Context, c Client, lookup Lookup, logger *zap.Logger) (string, Source) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lookup != nil && c.ServerName != "" {
		addr, err := lookup.Lookup(ctx, c.ServerName)
		if err == nil {
			return addr, SourceRegistry
		}
		logger.Warn("registry lookup failed", zap.String("server", c.ServerName), zap.Error(err))
	}

	if c.ServerInfo != "" {
		info, err := ReadServerInfo(c.ServerInfo)
		if err == nil {
			return net.JoinHostPort(info.IP, strconv.Itoa(info.Port)), SourceServerInfo
		}
		if !errors.Is(err, ErrNoServerInfo) {
			logger.Warn("ignoring server info", zap.Error(err))
		}
	}

	if c.GameAddress != "" || c.GamePort != 0 {
		host, port := c.GameAddress, c.GamePort
		if host == "" {
			host = DefaultGameAddress
		}
		if port == 0 {
			port = DefaultGamePort
		}
		return net.JoinHostPort(host, strconv.Itoa(port)), SourceEnv
	}

	return net.JoinHostPort(DefaultGameAddress, strconv.Itoa(DefaultGamePort)), SourceDefault
}

// NewLogger builds the process logger. Development output is human readable.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("config: log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	return cfg.Build()
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := getString(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(getString(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
